package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
)

// Event is delivered to observers after every transaction or merge that changed at least one key.
type Event struct {
	Keys   []string
	Origin Origin
}

type Observer func(Event)

type observerEntry struct {
	id uint64
	fn Observer
}

// Store is a thin accessor over an automerge document whose root map holds integer values.
type Store struct {
	mu  sync.Mutex
	doc *automerge.Doc

	obsMu          sync.Mutex
	observers      []observerEntry
	nextObserverID uint64
}

// New creates an empty store. The actor id must be a hex string.
func New(actorID string) (*Store, error) {
	doc := automerge.New()
	if actorID != "" {
		if err := doc.SetActorID(actorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	return &Store{doc: doc}, nil
}

// Load restores a store from the output of EncodeState.
func Load(raw []byte, actorID string) (*Store, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if actorID != "" {
		if err := doc.SetActorID(actorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	return &Store{doc: doc}, nil
}

func (s *Store) ActorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ActorID()
}

// Get returns the value at key and whether it has been set.
func (s *Store) Get(key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

func (s *Store) get(key string) (int64, bool, error) {
	v, err := s.doc.Path(key).Get()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return 0, false, nil
	case automerge.KindInt64:
		return v.Int64(), true, nil
	case automerge.KindUint64:
		return int64(v.Uint64()), true, nil
	case automerge.KindCounter:
		n, err := v.Counter().Get()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read counter %s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected value kind at %s: %v", key, v.Kind())
	}
}

// Txn buffers the writes of one transaction.
type Txn struct {
	writes map[string]int64
	order  []string
}

func (t *Txn) Set(key string, value int64) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = value
}

// Transact runs fn and commits its writes as a single change carrying origin. Writes that do not alter the stored
// value are dropped, and when nothing changes no commit is made and no observer is called.
func (s *Store) Transact(origin Origin, fn func(tx *Txn) error) error {
	tx := &Txn{writes: make(map[string]int64)}
	if err := fn(tx); err != nil {
		return err
	}

	changed, err := s.apply(origin, tx)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		s.notify(Event{Keys: changed, Origin: origin})
	}
	return nil
}

func (s *Store) apply(origin Origin, tx *Txn) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make([]string, 0, len(tx.order))
	for _, key := range tx.order {
		value := tx.writes[key]
		current, ok, err := s.get(key)
		if err != nil {
			return nil, err
		}
		if ok && current == value {
			continue
		}
		if err := s.doc.Path(key).Set(value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if _, err := s.doc.Commit(origin.String()); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return changed, nil
}

// EncodeState serializes the full causal history.
func (s *Store) EncodeState() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// ApplyUpdate merges an encoded document into this one. Applying bytes that are already incorporated changes
// nothing and notifies nobody.
func (s *Store) ApplyUpdate(raw []byte, origin Origin) error {
	incoming, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load update: %w", err)
	}

	changed, err := s.merge(incoming)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		s.notify(Event{Keys: changed, Origin: origin})
	}
	return nil
}

func (s *Store) merge(incoming *automerge.Doc) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.values()
	if err != nil {
		return nil, err
	}
	if _, err := s.doc.Merge(incoming); err != nil {
		return nil, fmt.Errorf("failed to merge update: %w", err)
	}
	after, err := s.values()
	if err != nil {
		return nil, err
	}

	changed := make([]string, 0)
	for key, v := range after {
		if old, ok := before[key]; !ok || old != v {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (s *Store) values() (map[string]int64, error) {
	keys, err := s.doc.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		v, ok, err := s.get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

// Observe registers fn to run synchronously after each committed change. The returned func unregisters it.
func (s *Store) Observe(fn Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObserverID++
	id := s.nextObserverID
	s.observers = append(s.observers, observerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			defer s.obsMu.Unlock()
			for i, e := range s.observers {
				if e.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(ev Event) {
	s.obsMu.Lock()
	observers := make([]observerEntry, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()

	for _, e := range observers {
		e.fn(ev)
	}
}
