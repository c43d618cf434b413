package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, actor string) *Store {
	t.Helper()
	s, err := New(actor)
	require.NoError(t, err)
	return s
}

func setValue(t *testing.T, s *Store, origin Origin, key string, value int64) {
	t.Helper()
	require.NoError(t, s.Transact(origin, func(tx *Txn) error {
		tx.Set(key, value)
		return nil
	}))
}

func TestStore_GetMissingKey(t *testing.T) {
	s := newTestStore(t, "aa01")
	v, ok, err := s.Get("stock")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), v)
}

func TestStore_TransactNotifiesWithOrigin(t *testing.T) {
	s := newTestStore(t, "aa01")
	var events []Event
	cancel := s.Observe(func(ev Event) { events = append(events, ev) })
	defer cancel()

	require.NoError(t, s.Transact(ClientOrigin("c1"), func(tx *Txn) error {
		tx.Set("stock", 9)
		tx.Set("reserved", 1)
		return nil
	}))

	require.Len(t, events, 1)
	assert.Equal(t, []string{"stock", "reserved"}, events[0].Keys)
	assert.Equal(t, ClientOrigin("c1"), events[0].Origin)

	v, ok, err := s.Get("stock")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), v)
}

func TestStore_TransactWithoutChangeIsSilent(t *testing.T) {
	s := newTestStore(t, "aa01")
	setValue(t, s, OriginLocal, "stock", 4)

	calls := 0
	cancel := s.Observe(func(Event) { calls++ })
	defer cancel()

	setValue(t, s, OriginLocal, "stock", 4)
	assert.Equal(t, 0, calls)
}

func TestStore_ObserverCanReadInsideNotification(t *testing.T) {
	s := newTestStore(t, "aa01")
	var seen int64
	cancel := s.Observe(func(Event) {
		seen, _, _ = s.Get("stock")
	})
	defer cancel()

	setValue(t, s, OriginServer, "stock", 12)
	assert.Equal(t, int64(12), seen)
}

func TestStore_Unobserve(t *testing.T) {
	s := newTestStore(t, "aa01")
	calls := 0
	cancel := s.Observe(func(Event) { calls++ })
	setValue(t, s, OriginLocal, "stock", 1)
	cancel()
	cancel()
	setValue(t, s, OriginLocal, "stock", 2)
	assert.Equal(t, 1, calls)
}

func TestStore_ApplyUpdateIsIdempotent(t *testing.T) {
	server := newTestStore(t, "bb02")
	setValue(t, server, OriginInit, "stock", 20)
	setValue(t, server, OriginServer, "stock", 17)
	snapshot := server.EncodeState()

	client := newTestStore(t, "aa01")
	var events []Event
	cancel := client.Observe(func(ev Event) { events = append(events, ev) })
	defer cancel()

	require.NoError(t, client.ApplyUpdate(snapshot, OriginServer))
	require.NoError(t, client.ApplyUpdate(snapshot, OriginServer))

	v, ok, err := client.Get("stock")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(17), v)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"stock"}, events[0].Keys)
	assert.Equal(t, OriginServer, events[0].Origin)
}

func TestStore_ApplyUpdateRejectsGarbage(t *testing.T) {
	s := newTestStore(t, "aa01")
	assert.Error(t, s.ApplyUpdate([]byte("not a doc"), OriginServer))
}

func TestStore_ReplicasConverge(t *testing.T) {
	a := newTestStore(t, "aa01")
	b := newTestStore(t, "bb02")
	setValue(t, a, OriginLocal, "stock", 3)
	setValue(t, b, OriginLocal, "stock", 5)

	stateA := a.EncodeState()
	stateB := b.EncodeState()
	require.NoError(t, a.ApplyUpdate(stateB, OriginRemote))
	require.NoError(t, b.ApplyUpdate(stateA, OriginRemote))

	va, _, err := a.Get("stock")
	require.NoError(t, err)
	vb, _, err := b.Get("stock")
	require.NoError(t, err)
	assert.Equal(t, va, vb)
}

func TestStore_LoadRoundTrip(t *testing.T) {
	s := newTestStore(t, "aa01")
	setValue(t, s, OriginInit, "stock", 20)

	restored, err := Load(s.EncodeState(), "cc03")
	require.NoError(t, err)
	assert.Equal(t, "cc03", restored.ActorID())
	v, ok, err := restored.Get("stock")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(20), v)
}

func TestOrigin_FromNetwork(t *testing.T) {
	assert.True(t, OriginServer.FromNetwork())
	assert.True(t, OriginRemote.FromNetwork())
	assert.True(t, OriginInit.FromNetwork())
	assert.False(t, OriginLocal.FromNetwork())
	assert.False(t, ClientOrigin("c1").FromNetwork())
	assert.Equal(t, "client:c1", ClientOrigin("c1").String())
	assert.NotEqual(t, ClientOrigin("c1"), ClientOrigin("c2"))
}
