package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/store"
	"github.com/astromechza/stock-sync/pkg/viz"
)

func newCounter(t *testing.T, initial int64) (*Counter, *store.Store) {
	t.Helper()
	st, err := store.New("5e01")
	require.NoError(t, err)
	c, err := NewCounter(st, initial)
	require.NoError(t, err)
	return c, st
}

func TestNewCounter_SeedsOnce(t *testing.T) {
	c, st := newCounter(t, 20)
	v, err := c.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)

	_, err = c.ApplyClicks(3)
	require.NoError(t, err)

	again, err := NewCounter(st, 20)
	require.NoError(t, err)
	v, err = again.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(17), v)
}

func TestCounter_ApplyClicksClampsAtZero(t *testing.T) {
	c, _ := newCounter(t, 2)

	v, err := c.ApplyClicks(5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = c.ApplyClicks(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestCounter_ApplyClicksIgnoresNonPositive(t *testing.T) {
	c, st := newCounter(t, 5)
	events := 0
	cancel := st.Observe(func(store.Event) { events++ })
	defer cancel()

	v, err := c.ApplyClicks(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	v, err = c.ApplyClicks(-2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 0, events)
}

func TestCounter_Offer(t *testing.T) {
	c, _ := newCounter(t, 10)

	outcome, v, err := c.Offer(12, "", store.ClientOrigin("a"))
	require.NoError(t, err)
	assert.Equal(t, coordinator.KeepLocal, outcome)
	assert.Equal(t, int64(10), v)

	outcome, v, err = c.Offer(10, "", store.ClientOrigin("a"))
	require.NoError(t, err)
	assert.Equal(t, coordinator.Equal, outcome)
	assert.Equal(t, int64(10), v)

	outcome, v, err = c.Offer(6, "", store.ClientOrigin("a"))
	require.NoError(t, err)
	assert.Equal(t, coordinator.AdoptIncoming, outcome)
	assert.Equal(t, int64(6), v)

	current, err := c.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(6), current)
}

func TestCounter_OfferMergesClientDoc(t *testing.T) {
	c, st := newCounter(t, 10)

	client, err := store.New("aa01")
	require.NoError(t, err)
	require.NoError(t, client.Transact(store.ClientOrigin("a"), func(tx *store.Txn) error {
		tx.Set(coordinator.StockKey, 4)
		return nil
	}))

	outcome, v, err := c.Offer(4, channel.EncodeState(client.EncodeState()), store.ClientOrigin("a"))
	require.NoError(t, err)
	assert.Equal(t, coordinator.AdoptIncoming, outcome)
	assert.Equal(t, int64(4), v)

	steps, err := viz.History(st.EncodeState(), coordinator.StockKey)
	require.NoError(t, err)
	actors := make([]string, 0, len(steps))
	for _, s := range steps {
		actors = append(actors, s.Actor)
	}
	assert.Contains(t, actors, "aa01")
}

func TestCounter_SnapshotLoads(t *testing.T) {
	c, _ := newCounter(t, 8)
	v, state, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)

	raw, err := channel.DecodeState(state)
	require.NoError(t, err)
	loaded, err := store.Load(raw, "")
	require.NoError(t, err)
	got, ok, err := loaded.Get(coordinator.StockKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(8), got)
}
