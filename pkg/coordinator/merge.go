package coordinator

import (
	"log/slog"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/store"
)

// Outcome is the decision of the lowest-wins merge rule.
type Outcome int

const (
	// Equal means both sides already agree.
	Equal Outcome = iota
	// AdoptIncoming means the incoming value is lower and replaces the local one.
	AdoptIncoming
	// KeepLocal means the local value is lower and the other side must be told.
	KeepLocal
)

func (o Outcome) String() string {
	switch o {
	case AdoptIncoming:
		return "adopt-incoming"
	case KeepLocal:
		return "keep-local"
	default:
		return "equal"
	}
}

// Merge compares a local value with an incoming one. The winner is always the minimum.
func Merge(local, incoming int64) Outcome {
	switch {
	case incoming < local:
		return AdoptIncoming
	case local < incoming:
		return KeepLocal
	default:
		return Equal
	}
}

// Winner is the value both sides converge to.
func Winner(local, incoming int64) int64 {
	if incoming < local {
		return incoming
	}
	return local
}

// Adopt writes an incoming value into st under origin. When an encoded snapshot is given it is merged first so the
// causal history travels along. If the snapshot cannot be decoded or merged, or the merged doc resolves to a
// different value, the bare value is written directly.
func Adopt(st *store.Store, key string, value int64, encoded string, origin store.Origin) error {
	if encoded != "" {
		raw, err := channel.DecodeState(encoded)
		if err == nil {
			err = st.ApplyUpdate(raw, origin)
		}
		if err != nil {
			slog.Warn("failed to apply snapshot, using raw value", "key", key, "value", value, "err", err)
		}
	}
	current, ok, err := st.Get(key)
	if err != nil {
		return err
	}
	if ok && current == value {
		return nil
	}
	return st.Transact(origin, func(tx *store.Txn) error {
		tx.Set(key, value)
		return nil
	})
}
