package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Status int

const (
	Unknown Status = iota
	Online
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Prober reports whether the server is reachable. Failures of any kind are reported as false.
type Prober interface {
	Probe(ctx context.Context) bool
}

type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProber checks reachability with a GET against a health endpoint.
type HTTPProber struct {
	Client  *http.Client
	URL     string
	Timeout time.Duration
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Monitor tracks reachability and notifies subscribers when it changes.
type Monitor struct {
	prober Prober

	mu        sync.Mutex
	status    Status
	subs      map[uint64]func(Status)
	nextSubID uint64
}

func NewMonitor(prober Prober) *Monitor {
	return &Monitor{prober: prober, subs: make(map[uint64]func(Status))}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check probes once and returns whether the server is reachable. Subscribers hear about it only when the status
// differs from the previous one.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.prober.Probe(ctx)
	next := Offline
	if online {
		next = Online
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	var subs []func(Status)
	if prev != next {
		subs = make([]func(Status), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if prev != next {
		slog.Info("connectivity changed", "from", prev, "to", next)
		for _, fn := range subs {
			fn(next)
		}
	}
	return online
}

// Subscribe registers fn for status transitions. The returned func removes it.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Poll checks immediately and then on every tick until ctx is done.
func (m *Monitor) Poll(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Check(ctx)
		case <-ctx.Done():
			slog.Info("stopping connectivity polling")
			return
		}
	}
}
