package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer joins topics over a websocket connection, one connection per session.
type Dialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d *Dialer) Join(ctx context.Context, topic string, params any) (Session, error) {
	wsd := d.Dialer
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}
	conn, _, err := wsd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	s := newSocket(conn, topic)
	go s.readLoop()

	if _, err := s.Push(ctx, EventJoin, params); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to join %s: %w", topic, err)
	}
	slog.Info("joined", "topic", topic)
	return s, nil
}

type socket struct {
	conn  *websocket.Conn
	topic string

	writeMu sync.Mutex
	nextRef atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan ReplyPayload
	handlers map[string][]func(json.RawMessage)

	closed    chan struct{}
	closeOnce sync.Once
	leaveOnce sync.Once
}

func newSocket(conn *websocket.Conn, topic string) *socket {
	return &socket{
		conn:     conn,
		topic:    topic,
		pending:  make(map[string]chan ReplyPayload),
		handlers: make(map[string][]func(json.RawMessage)),
		closed:   make(chan struct{}),
	}
}

func (s *socket) Push(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	ref := strconv.FormatUint(s.nextRef.Add(1), 10)
	replies := make(chan ReplyPayload, 1)

	s.mu.Lock()
	s.pending[ref] = replies
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
	}()

	if err := s.write(Frame{Ref: ref, Topic: s.topic, Event: event, Payload: raw}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		if reply.Status != StatusOK {
			var reason ErrorResponse
			_ = json.Unmarshal(reply.Response, &reason)
			return nil, &ReplyError{Event: event, Reason: reason.Reason}
		}
		return reply.Response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

func (s *socket) On(event string, handler func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *socket) Leave() error {
	var err error
	s.leaveOnce.Do(func() {
		select {
		case <-s.closed:
			return
		default:
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if werr := s.write(Frame{Topic: s.topic, Event: EventLeave, Payload: json.RawMessage(`{}`)}); werr != nil {
			slog.Debug("failed to send leave", "err", werr)
		}
		err = s.close()
	})
	return err
}

func (s *socket) Closed() <-chan struct{} {
	return s.closed
}

func (s *socket) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *socket) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *socket) readLoop() {
	defer s.close()
	for {
		_, p, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				slog.Warn("session read failed", "topic", s.topic, "err", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(p, &f); err != nil {
			slog.Warn("dropping malformed frame", "err", err)
			continue
		}
		s.dispatch(f)
	}
}

func (s *socket) dispatch(f Frame) {
	if f.Event == EventReply {
		var reply ReplyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			slog.Warn("dropping malformed reply", "ref", f.Ref, "err", err)
			return
		}
		s.mu.Lock()
		replies, ok := s.pending[f.Ref]
		s.mu.Unlock()
		if ok {
			select {
			case replies <- reply:
			default:
			}
		}
		return
	}

	s.mu.Lock()
	handlers := append([]func(json.RawMessage){}, s.handlers[f.Event]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(f.Payload)
	}
}
