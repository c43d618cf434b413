package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/store"
)

func (s *Server) serveSocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	p := &peer{conn: conn}
	defer s.hub.remove(p)

	for {
		var f channel.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("socket read failed", "client", p.clientID, "err", err)
			}
			return
		}
		if !s.handleFrame(request.Context(), p, f) {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the socket should stay open.
func (s *Server) handleFrame(ctx context.Context, p *peer, f channel.Frame) bool {
	if f.Topic != s.opts.Topic {
		s.replyError(p, f, "unmatched topic")
		return true
	}
	if f.Event == channel.EventJoin {
		var params channel.JoinParams
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &params); err != nil {
				s.replyError(p, f, "malformed join")
				return true
			}
		}
		if !p.joined {
			p.clientID = params.ClientID
			p.joined = true
			s.hub.add(p)
		}
		slog.Info("client joined", "client", p.clientID, "peers", s.hub.len())
		s.reply(p, f, channel.StatusOK, nil)
		return true
	}
	if !p.joined {
		s.replyError(p, f, "not joined")
		return true
	}

	switch f.Event {
	case channel.EventInitClient:
		var req channel.InitClient
		if !s.decode(p, f, &req) {
			return true
		}
		if req.Clicks != nil && *req.Clicks > 0 {
			if _, err := s.counter.ApplyClicks(*req.Clicks); err != nil {
				s.replyError(p, f, err.Error())
				return true
			}
			s.announce(ctx, p, p.clientID)
		}
		value, state, err := s.counter.Snapshot()
		if err != nil {
			s.replyError(p, f, err.Error())
			return true
		}
		s.reply(p, f, channel.StatusOK, channel.CounterReply{Counter: value})
		s.push(p, channel.EventInitStock, channel.InitStock{DBValue: value, DB64State: state, Max: s.opts.InitialStock})

	case channel.EventClientUpdate:
		var req channel.ClientUpdate
		if !s.decode(p, f, &req) {
			return true
		}
		before, err := s.counter.Value()
		if err != nil {
			s.replyError(p, f, err.Error())
			return true
		}
		value, err := s.counter.ApplyClicks(req.Clicks)
		if err != nil {
			s.replyError(p, f, err.Error())
			return true
		}
		s.reply(p, f, channel.StatusOK, channel.CounterReply{Counter: value})
		if value != before {
			s.announce(ctx, p, p.clientID)
		}

	case channel.EventSyncState:
		var req channel.SyncState
		if !s.decode(p, f, &req) {
			return true
		}
		sender := req.Sender
		if sender == "" {
			sender = p.clientID
		}
		outcome, value, err := s.counter.Offer(req.Value, req.B64State, store.ClientOrigin(sender))
		if err != nil {
			s.replyError(p, f, err.Error())
			return true
		}
		slog.Info("sync state", "client", sender, "offered", req.Value, "outcome", outcome, "now", value)
		switch outcome {
		case coordinator.AdoptIncoming:
			s.announce(ctx, p, sender)
		case coordinator.KeepLocal:
			_, state, err := s.counter.Snapshot()
			if err != nil {
				s.replyError(p, f, err.Error())
				return true
			}
			s.push(p, channel.EventSyncFromServer, channel.SyncFromServer{Value: value, State: state, Sender: channel.SenderServer})
		}
		s.reply(p, f, channel.StatusOK, nil)

	case channel.EventLeave:
		s.hub.remove(p)
		p.joined = false
		s.reply(p, f, channel.StatusOK, nil)
		slog.Info("client left", "client", p.clientID)
		return false

	default:
		s.replyError(p, f, "unknown event "+f.Event)
	}
	return true
}

func (s *Server) decode(p *peer, f channel.Frame, into any) bool {
	if len(f.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(f.Payload, into); err != nil {
		s.replyError(p, f, "malformed payload")
		return false
	}
	return true
}

func (s *Server) reply(p *peer, f channel.Frame, status string, response any) {
	out, err := channel.NewReply(f.Ref, f.Topic, status, response)
	if err != nil {
		slog.Error("failed to encode reply", "event", f.Event, "err", err)
		return
	}
	if err := p.send(out); err != nil {
		slog.Warn("failed to reply", "client", p.clientID, "event", f.Event, "err", err)
	}
}

func (s *Server) replyError(p *peer, f channel.Frame, reason string) {
	s.reply(p, f, channel.StatusError, channel.ErrorResponse{Reason: reason})
}

func (s *Server) push(p *peer, event string, payload any) {
	out, err := channel.NewMessage(s.opts.Topic, event, payload)
	if err != nil {
		slog.Error("failed to encode message", "event", event, "err", err)
		return
	}
	if err := p.send(out); err != nil {
		slog.Warn("failed to push", "client", p.clientID, "event", event, "err", err)
	}
}
