package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Prober checks whether the inference server is reachable. A nil error means
// online. *ollama.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context) error
}

// ConnectivityState is the latest probe result.
type ConnectivityState struct {
	Online        bool      `json:"online"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Error         string    `json:"error,omitempty"`
}

// Monitor polls a Prober on a fixed interval. It is independent of generation
// sessions and never blocks them.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	state ConnectivityState
	subs  map[chan ConnectivityState]struct{}

	done chan struct{}
	once sync.Once
}

// New creates a Monitor. Non-positive durations fall back to the defaults.
func New(prober Prober, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		subs:     make(map[chan ConnectivityState]struct{}),
		done:     make(chan struct{}),
	}
}

// Run probes immediately and then on every tick until ctx is done. It must be
// called at most once.
func (m *Monitor) Run(ctx context.Context) {
	defer m.stop()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Done is closed after Run has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// State returns the latest result. Before the first probe completes the
// server is reported offline.
func (m *Monitor) State() ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe returns a channel that receives the state after every probe. Only
// the newest undelivered state is kept. The channel is closed when Run exits
// or cancel is called.
func (m *Monitor) Subscribe() (<-chan ConnectivityState, func()) {
	ch := make(chan ConnectivityState, 1)

	m.mu.Lock()
	select {
	case <-m.done:
		close(ch)
		m.mu.Unlock()
		return ch, func() {}
	default:
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		// Shutting down; a probe cut short by that is not an outage.
		return
	}

	next := ConnectivityState{Online: err == nil, LastCheckedAt: time.Now().UTC()}
	if err != nil {
		next.Error = err.Error()
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	m.mu.Unlock()

	switch {
	case prev.LastCheckedAt.IsZero():
		m.logger.Info("connectivity checked", "online", next.Online, "error", next.Error)
	case prev.Online != next.Online:
		m.logger.Warn("connectivity changed", "online", next.Online, "error", next.Error)
	default:
		m.logger.Debug("connectivity checked", "online", next.Online)
	}
}

func (m *Monitor) stop() {
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		close(m.done)
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
	})
}
