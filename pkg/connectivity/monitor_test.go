package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProber_Reachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL, Timeout: time.Second}
	assert.True(t, p.Probe(context.Background()))
}

func TestHTTPProber_ServerErrorIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL, Timeout: time.Second}
	assert.False(t, p.Probe(context.Background()))
}

func TestHTTPProber_ClosedServerIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := &HTTPProber{URL: url, Timeout: time.Second}
	assert.False(t, p.Probe(context.Background()))
}

func TestHTTPProber_TimeoutIsOffline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := &HTTPProber{URL: srv.URL, Timeout: 50 * time.Millisecond}
	start := time.Now()
	assert.False(t, p.Probe(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPProber_BadURLIsOffline(t *testing.T) {
	p := &HTTPProber{URL: "://nope"}
	assert.False(t, p.Probe(context.Background()))
}

func TestMonitor_NotifiesOnlyOnTransition(t *testing.T) {
	var online atomic.Bool
	m := NewMonitor(ProberFunc(func(context.Context) bool { return online.Load() }))

	var mu sync.Mutex
	var seen []Status
	cancel := m.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})
	defer cancel()

	assert.Equal(t, Unknown, m.Status())

	online.Store(true)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Check(context.Background()))
	online.Store(false)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Check(context.Background()))
	online.Store(true)
	m.Check(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{Online, Offline, Online}, seen)
	assert.Equal(t, Online, m.Status())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	var online atomic.Bool
	m := NewMonitor(ProberFunc(func(context.Context) bool { return online.Load() }))
	calls := 0
	cancel := m.Subscribe(func(Status) { calls++ })
	m.Check(context.Background())
	cancel()
	online.Store(true)
	m.Check(context.Background())
	assert.Equal(t, 1, calls)
}

func TestMonitor_PollStopsWithContext(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor(ProberFunc(func(context.Context) bool {
		probes.Add(1)
		return true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Poll(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll did not stop")
	}
	assert.Equal(t, Online, m.Status())
}
