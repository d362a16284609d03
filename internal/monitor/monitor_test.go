package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/pixelbrain/internal/ollama"
)

type proberFunc func(ctx context.Context) error

func (f proberFunc) Probe(ctx context.Context) error { return f(ctx) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func next(t *testing.T, ch <-chan ConnectivityState) ConnectivityState {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for connectivity state")
	}
	return ConnectivityState{}
}

func TestRunProbesImmediately(t *testing.T) {
	m := New(proberFunc(func(context.Context) error { return nil }), time.Hour, time.Second, testLogger())
	if m.State().Online {
		t.Fatalf("monitor should start offline")
	}

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	s := next(t, ch)
	if !s.Online || s.LastCheckedAt.IsZero() {
		t.Fatalf("unexpected first state: %+v", s)
	}
	if !m.State().Online {
		t.Fatalf("State should report online after first probe")
	}
}

func TestFailuresReportOffline(t *testing.T) {
	var calls atomic.Int32
	prober := proberFunc(func(context.Context) error {
		if calls.Add(1)%2 == 0 {
			return errors.New("connection refused")
		}
		return nil
	})
	m := New(prober, 10*time.Millisecond, time.Second, testLogger())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	sawOnline, sawOffline := false, false
	for !(sawOnline && sawOffline) {
		s := next(t, ch)
		if s.Online {
			sawOnline = true
		} else {
			sawOffline = true
			if s.Error == "" {
				t.Fatalf("offline state should carry the probe error")
			}
		}
	}
}

func TestProbeTimeoutReportsOffline(t *testing.T) {
	prober := proberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := New(prober, time.Hour, 20*time.Millisecond, testLogger())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	s := next(t, ch)
	if s.Online {
		t.Fatalf("a probe that outlives its timeout must report offline")
	}
}

func TestRunAgainstHTTPStatusEndpoint(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := ollama.NewClient(server.URL+"/api/generate", server.URL+"/api/tags", testLogger())
	m := New(client, 10*time.Millisecond, time.Second, testLogger())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if s := next(t, ch); !s.Online {
		t.Fatalf("expected online, got %+v", s)
	}
	status.Store(http.StatusInternalServerError)
	for {
		if s := next(t, ch); !s.Online {
			break
		}
	}
}

func TestStopClosesDoneAndSubscriptions(t *testing.T) {
	m := New(proberFunc(func(context.Context) error { return nil }), 10*time.Millisecond, time.Second, testLogger())
	ch, _ := m.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	next(t, ch)
	cancel()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not stop")
	}

	for range ch {
	}

	late, _ := m.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribing after stop should yield a closed channel")
	}
}
