package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/stock-sync/pkg/channel"
)

const writeTimeout = 5 * time.Second

// peer is one joined socket.
type peer struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	clientID string
	// joined is only touched by the socket's read loop.
	joined bool
}

func (p *peer) send(f channel.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(f)
}

type hub struct {
	mu    sync.Mutex
	peers map[*peer]struct{}
}

func newHub() *hub {
	return &hub{peers: make(map[*peer]struct{})}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// broadcast sends f to every joined peer apart from except, which may be nil.
func (h *hub) broadcast(f channel.Frame, except *peer) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p != except {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		if err := p.send(f); err != nil {
			slog.Warn("failed to send to peer", "client", p.clientID, "event", f.Event, "err", err)
		}
	}
}
