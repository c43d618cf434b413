package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/store"
)

type Options struct {
	// StoreID names the persisted document and the /stores/{store} route.
	StoreID string
	// Topic is the only topic sockets may join.
	Topic        string
	InitialStock int64
	// ActorID is the automerge actor used for changes made by this instance.
	ActorID string
}

// Server holds the authoritative stock and serves it to clients over websockets.
type Server struct {
	opts     Options
	store    *store.Store
	counter  *Counter
	persist  *Persistence
	fanout   Fanout
	hub      *hub
	upgrader websocket.Upgrader
	dirty    atomic.Bool
	cancel   func()
}

// New loads the document from persist when it has one and seeds it otherwise. persist may be nil.
func New(ctx context.Context, opts Options, persist *Persistence) (*Server, error) {
	var st *store.Store
	var err error
	if persist != nil {
		raw, ok, err := persist.Load(ctx, opts.StoreID)
		if err != nil {
			return nil, err
		}
		if ok {
			if st, err = store.Load(raw, opts.ActorID); err != nil {
				return nil, fmt.Errorf("failed to load store %s: %w", opts.StoreID, err)
			}
			slog.Info("loaded store", "store", opts.StoreID)
		}
	}
	if st == nil {
		if st, err = store.New(opts.ActorID); err != nil {
			return nil, err
		}
	}

	s := &Server{
		opts:    opts,
		store:   st,
		persist: persist,
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.cancel = st.Observe(func(store.Event) {
		s.dirty.Store(true)
	})
	if s.counter, err = NewCounter(st, opts.InitialStock); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

// UseFanout relays accepted changes through f and applies changes announced by other instances until ctx is done.
// It must be called before the router serves any request.
func (s *Server) UseFanout(ctx context.Context, f Fanout) {
	s.fanout = f
	go f.Subscribe(ctx, s.absorb)
}

func (s *Server) Store() *store.Store {
	return s.store
}

func (s *Server) Close() {
	s.cancel()
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/stores/{store}/latest").HandlerFunc(s.getStore)
	r.Methods(http.MethodGet).Path("/socket").HandlerFunc(s.serveSocket)
	return r
}

func (s *Server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok\n"))
}

func (s *Server) getStore(writer http.ResponseWriter, request *http.Request) {
	if mux.Vars(request)["store"] != s.opts.StoreID {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(s.store.EncodeState()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// Backup writes the document to persistence if it changed since the last backup.
func (s *Server) Backup(ctx context.Context) error {
	if s.persist == nil || !s.dirty.Swap(false) {
		return nil
	}
	changed, err := s.persist.Save(ctx, s.opts.StoreID, s.store.EncodeState())
	if err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("failed to backup doc in database: %w", err)
	}
	if changed {
		v, _ := s.counter.Value()
		slog.Info("backed up", "store", s.opts.StoreID, "value", v)
	}
	return nil
}

// RunBackups calls Backup every interval until ctx is done, and once more on the way out.
func (s *Server) RunBackups(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Backup(ctx); err != nil {
				slog.Error(err.Error())
			}
		case <-ctx.Done():
			if err := s.Backup(context.Background()); err != nil {
				slog.Error(err.Error())
			}
			return
		}
	}
}

// announce tells every joined socket except the sender about the current value and publishes it to other instances.
func (s *Server) announce(ctx context.Context, except *peer, sender string) {
	value, state, err := s.counter.Snapshot()
	if err != nil {
		slog.Error("failed to snapshot", "err", err)
		return
	}
	msg := channel.SyncFromServer{Value: value, State: state, Sender: sender}
	frame, err := channel.NewMessage(s.opts.Topic, channel.EventSyncFromServer, msg)
	if err != nil {
		slog.Error("failed to encode announcement", "err", err)
		return
	}
	s.hub.broadcast(frame, except)
	s.publish(ctx, msg)
}

func (s *Server) publish(ctx context.Context, msg channel.SyncFromServer) {
	if s.fanout == nil {
		return
	}
	if err := s.fanout.Publish(ctx, msg); err != nil {
		slog.Warn("failed to fan out", "err", err)
	}
}

// absorb applies a change announced by another instance.
func (s *Server) absorb(msg channel.SyncFromServer) {
	outcome, value, err := s.counter.Offer(msg.Value, msg.State, store.OriginRemote)
	if err != nil {
		slog.Error("failed to apply announcement", "err", err)
		return
	}
	slog.Debug("absorbed announcement", "value", msg.Value, "outcome", outcome, "now", value)
	switch outcome {
	case coordinator.AdoptIncoming:
		_, state, err := s.counter.Snapshot()
		if err != nil {
			slog.Error("failed to snapshot", "err", err)
			return
		}
		frame, err := channel.NewMessage(s.opts.Topic, channel.EventSyncFromServer, channel.SyncFromServer{
			Value: value, State: state, Sender: msg.Sender,
		})
		if err != nil {
			slog.Error("failed to encode announcement", "err", err)
			return
		}
		s.hub.broadcast(frame, nil)
	case coordinator.KeepLocal:
		// the other instance is behind
		_, state, err := s.counter.Snapshot()
		if err != nil {
			slog.Error("failed to snapshot", "err", err)
			return
		}
		s.publish(context.Background(), channel.SyncFromServer{Value: value, State: state, Sender: channel.SenderServer})
	}
}
