package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/connectivity"
	"github.com/astromechza/stock-sync/pkg/store"
)

// StockKey holds the shared counter in the replicated doc.
const StockKey = "stock"

// Connectivity is what the coordinator needs from a connectivity monitor.
type Connectivity interface {
	Check(ctx context.Context) bool
	Subscribe(fn func(connectivity.Status)) func()
	Poll(ctx context.Context, interval time.Duration)
}

type Config struct {
	ClientID string
	Topic    string
	// PollInterval enables periodic connectivity checks when positive.
	PollInterval time.Duration
	PushTimeout  time.Duration
}

// Coordinator reconciles the local store with the server. All of its state is owned by a single event loop; network
// calls and probes run in their own goroutines and post their results back to the loop.
type Coordinator struct {
	cfg    Config
	origin store.Origin
	store  *store.Store
	joiner channel.Joiner
	conn   Connectivity

	events  chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once

	state State
	// delta counts clicks the server has not acknowledged. It is kept out of the doc.
	delta         int64
	pending       bool
	pendingSeq    uint64
	online        bool
	max           int64
	session       channel.Session
	joining       bool
	awaitingInit  bool
	inflight      bool
	wantReconcile bool
	unobserve     func()
	unsubscribe   func()
}

func New(cfg Config, st *store.Store, joiner channel.Joiner, conn Connectivity) *Coordinator {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		origin:  store.ClientOrigin(cfg.ClientID),
		store:   st,
		joiner:  joiner,
		conn:    conn,
		events:  make(chan func(), 64),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Start wires the store observer and connectivity subscription, starts polling and joins the channel.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.unobserve = c.store.Observe(c.onStoreChange)
		c.unsubscribe = c.conn.Subscribe(func(s connectivity.Status) {
			c.post(func() { c.onConnectivity(s) })
		})
		c.running.Store(true)
		go c.run()
		if c.cfg.PollInterval > 0 {
			go c.conn.Poll(c.ctx, c.cfg.PollInterval)
		}
		c.post(c.join)
	})
}

// Shutdown unregisters the observer and subscription, stops polling and leaves the channel. Replies still in
// flight are abandoned.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		c.cancel()
		if !c.running.Load() {
			return
		}
		<-c.stopped
		c.running.Store(false)
		c.teardown()
	})
}

func (c *Coordinator) teardown() {
	if c.unobserve != nil {
		c.unobserve()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.session != nil {
		if err := c.session.Leave(); err != nil {
			slog.Warn("failed to leave", "err", err)
		}
		c.session = nil
	}
	slog.Info("coordinator stopped", "client", c.cfg.ClientID)
}

// Click records one local decrement of the stock.
func (c *Coordinator) Click() {
	c.post(c.click)
}

// Status reports the current state. It returns the zero Status when the coordinator is not running.
func (c *Coordinator) Status() Status {
	var out Status
	c.call(func() { out = c.snapshot() })
	return out
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Coordinator) call(fn func()) bool {
	if !c.running.Load() {
		return false
	}
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Coordinator) snapshot() Status {
	value, ok, err := c.store.Get(StockKey)
	if err != nil {
		slog.Error("failed to read stock", "err", err)
	}
	return Status{
		State:        c.state,
		Value:        value,
		HasValue:     ok,
		Max:          c.max,
		Clicks:       c.clicks(),
		Pending:      c.pending,
		Online:       c.online,
		Joined:       c.session != nil && !c.awaitingInit,
		InFlight:     c.inflight,
		OfflineEdits: c.pendingSeq,
	}
}

func (c *Coordinator) clicks() int64 {
	return c.delta
}

func (c *Coordinator) click() {
	value, ok, err := c.store.Get(StockKey)
	if err != nil {
		slog.Error("failed to read stock", "err", err)
		return
	}
	if !ok {
		slog.Warn("ignoring click before initialization")
		return
	}
	if value <= 0 {
		slog.Info("out of stock")
		return
	}
	if err := c.store.Transact(c.origin, func(tx *store.Txn) error {
		tx.Set(StockKey, value-1)
		return nil
	}); err != nil {
		slog.Error("failed to record click", "err", err)
		return
	}
	c.delta++
}

// onStoreChange may run on any goroutine that mutates the store, so it only inspects the event and hands off.
func (c *Coordinator) onStoreChange(ev store.Event) {
	if ev.Origin.FromNetwork() || ev.Origin != c.origin {
		return
	}
	go func() {
		online := c.conn.Check(c.ctx)
		c.post(func() { c.afterProbe(online) })
	}()
}

func (c *Coordinator) afterProbe(online bool) {
	c.online = online
	if !online {
		c.pending = true
		c.pendingSeq++
		if c.state == Synced {
			c.state = PendingOffline
		}
		return
	}
	c.sync()
}

func (c *Coordinator) onConnectivity(s connectivity.Status) {
	c.online = s == connectivity.Online
	if c.online {
		c.sync()
	}
}

func (c *Coordinator) sync() {
	if c.session == nil {
		c.join()
		return
	}
	c.flush()
}

// flush starts the next outbound push when nothing is in flight. Offline edits are reconciled by value. Otherwise
// unsent clicks go first, since their reply settles most disagreements with the server, and a reconciliation
// follows only if one is still owed.
func (c *Coordinator) flush() {
	if c.session == nil || c.inflight || c.awaitingInit {
		return
	}
	if c.state == Uninitialized || c.state == Initializing {
		return
	}
	switch {
	case c.pending:
		c.reconcile()
	case c.clicks() > 0:
		c.pushClicks()
	case c.wantReconcile:
		c.reconcile()
	}
}

func (c *Coordinator) join() {
	if c.joining || c.session != nil {
		return
	}
	c.joining = true
	prev := c.state
	if c.state == Uninitialized {
		c.state = Initializing
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PushTimeout)
		defer cancel()
		sess, err := c.joiner.Join(ctx, c.cfg.Topic, channel.JoinParams{ClientID: c.cfg.ClientID})
		if !c.post(func() { c.joined(sess, prev, err) }) && sess != nil {
			_ = sess.Leave()
		}
	}()
}

func (c *Coordinator) joined(sess channel.Session, prev State, err error) {
	c.joining = false
	if err != nil {
		slog.Warn("failed to join", "topic", c.cfg.Topic, "err", err)
		c.state = prev
		return
	}
	c.session = sess
	c.awaitingInit = true

	sess.On(channel.EventInitStock, func(p json.RawMessage) {
		c.post(func() { c.onInitStock(sess, p) })
	})
	sess.On(channel.EventSyncFromServer, func(p json.RawMessage) {
		c.post(func() { c.onSyncFromServer(sess, p) })
	})
	go func() {
		select {
		case <-sess.Closed():
			c.post(func() { c.dropSession(sess) })
		case <-c.ctx.Done():
		}
	}()

	c.pushAsync(sess, channel.EventInitClient, channel.InitClient{}, func(raw json.RawMessage, err error) {
		if err != nil {
			slog.Warn("handshake failed", "err", err)
			if c.state == Initializing {
				c.state = prev
			}
			c.dropSession(sess)
			return
		}
		var reply channel.CounterReply
		if err := json.Unmarshal(raw, &reply); err == nil {
			slog.Info("handshake complete", "counter", reply.Counter)
		}
		c.flush()
	})
}

func (c *Coordinator) dropSession(sess channel.Session) {
	if c.session != sess {
		return
	}
	slog.Warn("session lost", "topic", c.cfg.Topic)
	c.session = nil
	c.awaitingInit = false
	c.inflight = false
	if c.state == Reconciling {
		c.wantReconcile = true
		c.state = Synced
		if c.pending {
			c.state = PendingOffline
		}
	}
	go sess.Leave()
}

// pushAsync marks a push in flight and hands the reply back to the loop. Replies that arrive after their session was
// dropped are abandoned.
func (c *Coordinator) pushAsync(sess channel.Session, event string, payload any, then func(json.RawMessage, error)) {
	c.inflight = true
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PushTimeout)
		defer cancel()
		raw, err := sess.Push(ctx, event, payload)
		c.post(func() {
			if sess != c.session {
				return
			}
			c.inflight = false
			then(raw, err)
		})
	}()
}

func (c *Coordinator) pushFailed(sess channel.Session, event string, err error) {
	slog.Warn("push failed", "event", event, "err", err)
	if errors.Is(err, channel.ErrClosed) {
		c.dropSession(sess)
	}
}

func (c *Coordinator) onInitStock(sess channel.Session, raw json.RawMessage) {
	if sess != c.session {
		return
	}
	var msg channel.InitStock
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("dropping malformed init_stock", "err", err)
		return
	}
	c.awaitingInit = false
	c.max = msg.Max

	local, ok, err := c.store.Get(StockKey)
	if err != nil {
		slog.Error("failed to read stock", "err", err)
		return
	}
	if !ok {
		if err := Adopt(c.store, StockKey, msg.DBValue, msg.DB64State, store.OriginServer); err != nil {
			slog.Error("failed to adopt initial stock", "err", err)
			return
		}
		slog.Info("initialized", "value", msg.DBValue, "max", msg.Max)
	} else {
		c.resolve(local, msg.DBValue, msg.DB64State)
	}

	if c.state != Reconciling {
		c.state = Synced
		if c.pending {
			c.state = PendingOffline
		}
	}
	c.flush()
}

func (c *Coordinator) onSyncFromServer(sess channel.Session, raw json.RawMessage) {
	if sess != c.session {
		return
	}
	var msg channel.SyncFromServer
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("dropping malformed sync_from_server", "err", err)
		return
	}
	if msg.Sender == c.cfg.ClientID {
		return
	}
	local, ok, err := c.store.Get(StockKey)
	if err != nil || !ok {
		return
	}
	if Merge(local, msg.Value) == KeepLocal && c.state == Reconciling {
		slog.Debug("reconciliation already in flight", "local", local, "incoming", msg.Value)
		return
	}
	c.resolve(local, msg.Value, msg.State)
	c.flush()
}

// resolve applies the merge rule to an incoming value and records whether the server must hear the local one.
func (c *Coordinator) resolve(local, incoming int64, encoded string) {
	outcome := Merge(local, incoming)
	slog.Info("merged", "local", local, "incoming", incoming, "outcome", outcome)
	switch outcome {
	case AdoptIncoming:
		if err := Adopt(c.store, StockKey, incoming, encoded, store.OriginServer); err != nil {
			slog.Error("failed to adopt incoming value", "err", err)
			return
		}
		// the server already holds something no higher than what we just took
		c.wantReconcile = false
	case KeepLocal:
		c.wantReconcile = true
	}
}

func (c *Coordinator) reconcile() {
	sess := c.session
	value, ok, err := c.store.Get(StockKey)
	if err != nil || !ok {
		c.wantReconcile = false
		return
	}
	sent := c.clicks()
	seq := c.pendingSeq
	prev := c.state

	c.wantReconcile = false
	c.state = Reconciling
	payload := channel.SyncState{
		Value:    value,
		B64State: channel.EncodeState(c.store.EncodeState()),
		Sender:   c.cfg.ClientID,
	}
	c.pushAsync(sess, channel.EventSyncState, payload, func(_ json.RawMessage, err error) {
		if err != nil {
			c.state = prev
			c.wantReconcile = true
			c.pushFailed(sess, channel.EventSyncState, err)
			return
		}
		if c.pendingSeq == seq {
			c.pending = false
		}
		c.ackClicks(sent)
		c.state = Synced
		if c.pending {
			c.state = PendingOffline
		}
		slog.Info("reconciled", "value", value)
		c.flush()
	})
}

func (c *Coordinator) pushClicks() {
	sess := c.session
	sent := c.clicks()
	if sent <= 0 {
		return
	}
	c.pushAsync(sess, channel.EventClientUpdate, channel.ClientUpdate{Clicks: sent}, func(raw json.RawMessage, err error) {
		if err != nil {
			c.pushFailed(sess, channel.EventClientUpdate, err)
			return
		}
		remaining := c.ackClicks(sent)

		var reply channel.CounterReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			slog.Warn("malformed client-update reply", "err", err)
		} else if remaining == 0 {
			if local, ok, err := c.store.Get(StockKey); err == nil && ok {
				switch Merge(local, reply.Counter) {
				case AdoptIncoming:
					if err := Adopt(c.store, StockKey, reply.Counter, "", store.OriginServer); err != nil {
						slog.Error("failed to adopt server counter", "err", err)
						break
					}
					c.wantReconcile = false
				case Equal:
					c.wantReconcile = false
				}
			}
		}
		c.flush()
	})
}

// ackClicks removes the acknowledged part of the click delta and returns what is left.
func (c *Coordinator) ackClicks(sent int64) int64 {
	if sent > 0 {
		c.delta -= sent
		if c.delta < 0 {
			c.delta = 0
		}
	}
	return c.delta
}
