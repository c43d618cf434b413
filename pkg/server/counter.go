package server

import (
	"fmt"
	"sync"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/store"
)

// Counter is the authoritative stock value held by the server.
type Counter struct {
	mu    sync.Mutex
	store *store.Store
}

// NewCounter wraps st, seeding the stock with initial if it has never been set.
func NewCounter(st *store.Store, initial int64) (*Counter, error) {
	_, ok, err := st.Get(coordinator.StockKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := st.Transact(store.OriginInit, func(tx *store.Txn) error {
			tx.Set(coordinator.StockKey, initial)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to seed stock: %w", err)
		}
	}
	return &Counter{store: st}, nil
}

func (c *Counter) Value() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _, err := c.store.Get(coordinator.StockKey)
	return v, err
}

// Snapshot returns the value together with the encoded document it belongs to.
func (c *Counter) Snapshot() (int64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _, err := c.store.Get(coordinator.StockKey)
	if err != nil {
		return 0, "", err
	}
	return v, channel.EncodeState(c.store.EncodeState()), nil
}

// ApplyClicks takes n units off the stock, never going below zero, and returns the new value.
func (c *Counter) ApplyClicks(n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _, err := c.store.Get(coordinator.StockKey)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return v, nil
	}
	next := v - n
	if next < 0 {
		next = 0
	}
	if err := c.store.Transact(store.OriginServer, func(tx *store.Txn) error {
		tx.Set(coordinator.StockKey, next)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to apply clicks: %w", err)
	}
	return next, nil
}

// Offer runs the lowest-wins merge against an incoming value and its encoded state. It returns the outcome from the
// server's point of view and the value the server holds afterwards.
func (c *Counter) Offer(value int64, encoded string, origin store.Origin) (coordinator.Outcome, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, _, err := c.store.Get(coordinator.StockKey)
	if err != nil {
		return coordinator.Equal, 0, err
	}
	outcome := coordinator.Merge(current, value)
	if outcome != coordinator.AdoptIncoming {
		return outcome, current, nil
	}
	if err := coordinator.Adopt(c.store, coordinator.StockKey, value, encoded, origin); err != nil {
		return outcome, current, err
	}
	return outcome, value, nil
}
