package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/pixelbrain/internal/ollama"
	"github.com/mattjoyce/pixelbrain/internal/stream"
)

// Transport opens a streaming generation and returns its NDJSON body.
// *ollama.Client satisfies it.
type Transport interface {
	Generate(ctx context.Context, endpoint, model, prompt string) (io.ReadCloser, error)
}

// Recorder receives every session once it reaches a terminal phase.
type Recorder interface {
	Record(ctx context.Context, s Session) error
}

// Config holds the request defaults applied to every submit.
type Config struct {
	Model     string
	Endpoint  string
	ChunkSize int
}

// Manager owns the conversation and at most one active generation. All state
// changes happen under mu and are published to subscribers in order.
type Manager struct {
	transport Transport
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	current  *active
	messages []Message
	subs     map[*Subscription]struct{}
	seq      uint64
	closed   bool

	wg sync.WaitGroup
}

type active struct {
	session Session
	text    strings.Builder
	token   *CancelToken
	reply   int
	done    chan struct{}
}

// NewManager creates a Manager. recorder may be nil.
func NewManager(transport Transport, recorder Recorder, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Submit starts a generation for prompt. It returns ErrEmptyPrompt for blank
// input and ErrSessionActive while another generation is in flight; in both
// cases nothing changes.
func (m *Manager) Submit(prompt string) (Session, error) {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return Session{}, ErrEmptyPrompt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Session{}, fmt.Errorf("session manager is closed")
	}
	if m.current != nil && m.current.session.Phase.Active() {
		return Session{}, ErrSessionActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &active{
		session: Session{
			ID: uuid.New().String(),
			Request: Request{
				Prompt:   text,
				Model:    m.cfg.Model,
				Endpoint: m.cfg.Endpoint,
			},
			Phase:     PhaseAwaitingFirstByte,
			StartedAt: time.Now().UTC(),
		},
		token: newCancelToken(cancel),
		done:  make(chan struct{}),
	}

	m.messages = append(m.messages,
		Message{SessionID: a.session.ID, Text: text, IsFromUser: true},
		Message{SessionID: a.session.ID},
	)
	a.reply = len(m.messages) - 1
	m.current = a
	m.publishLocked()

	m.logger.Info("generation started",
		"session_id", a.session.ID,
		"model", a.session.Request.Model,
		"prompt_chars", len(text),
	)

	m.wg.Add(1)
	go m.run(ctx, a)

	return a.session, nil
}

// Cancel stops the active generation. Text received so far is kept and the
// reply is marked stopped. It reports whether a generation was cancelled;
// calling it without an active generation does nothing.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked()
}

func (m *Manager) cancelLocked() bool {
	a := m.current
	if a == nil || !a.session.Phase.Active() {
		return false
	}
	a.token.Revoke()

	now := time.Now().UTC()
	a.session.Phase = PhaseCancelled
	a.session.EndedAt = &now
	m.messages[a.reply].IsStopped = true
	m.publishLocked()

	m.logger.Info("generation cancelled",
		"session_id", a.session.ID,
		"chars", a.text.Len(),
	)
	return true
}

// Clear empties the conversation. It fails while a generation is active.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.session.Phase.Active() {
		return ErrSessionActive
	}
	m.current = nil
	m.messages = nil
	m.publishLocked()
	return nil
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Wait blocks until the current session's read loop has exited and returns
// the session as it ended.
func (m *Manager) Wait(ctx context.Context) (Session, error) {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return Session{}, fmt.Errorf("no session submitted")
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return a.session, nil
}

// Close cancels any active generation, waits for its read loop and closes all
// subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cancelLocked()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		delete(m.subs, sub)
		close(sub.ch)
	}
}

func (m *Manager) run(ctx context.Context, a *active) {
	defer m.wg.Done()
	defer close(a.done)
	defer m.record(a)
	defer a.token.Revoke()

	body, err := m.transport.Generate(ctx, a.session.Request.Endpoint, a.session.Request.Model, a.session.Request.Prompt)
	if err != nil {
		m.finish(a, err)
		return
	}
	if body == nil {
		m.finish(a, ollama.ErrStreamUnsupported)
		return
	}
	defer body.Close()

	lr := stream.NewLineReader(body, m.cfg.ChunkSize)
	for line, err := range lr.Lines(ctx) {
		if err != nil {
			m.finish(a, err)
			return
		}
		for _, ev := range stream.Parse(line) {
			if !m.apply(a, ev) {
				return
			}
		}
	}
	if n := lr.Discarded(); n > 0 {
		m.logger.Debug("discarded unterminated trailing data", "session_id", a.session.ID, "bytes", n)
	}
	m.finish(a, nil)
}

// apply folds one event into the session. It returns false once the session
// has been cancelled, after which the read loop must stop.
func (m *Manager) apply(a *active, ev stream.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.token.Revoked() || a.session.Phase.Terminal() {
		return false
	}

	switch ev.Kind {
	case stream.TokenFragment:
		if a.session.Phase == PhaseAwaitingFirstByte {
			now := time.Now().UTC()
			a.session.Phase = PhaseStreaming
			a.session.FirstTokenAt = &now
		}
		a.text.WriteString(ev.Text)
		a.session.Text = a.text.String()
		m.messages[a.reply].Text = a.session.Text
		m.publishLocked()
	case stream.Completed:
		a.session.SawDone = true
		if ev.Stats != nil {
			a.session.Stats = ev.Stats
		}
	case stream.Unparseable:
		a.session.Malformed++
		m.logger.Warn("skipping malformed stream line",
			"session_id", a.session.ID,
			"line", truncate(ev.Raw, 200),
			"error", ev.Err,
		)
	}
	return true
}

// finish moves the session to its terminal phase. err == nil means the
// transport reached end of stream. A cancelled session is left as it is.
func (m *Manager) finish(a *active, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.session.Phase.Terminal() {
		return
	}

	now := time.Now().UTC()
	a.session.EndedAt = &now

	if err == nil {
		a.session.Phase = PhaseCompleted
		m.publishLocked()
		m.logger.Info("generation completed",
			"session_id", a.session.ID,
			"chars", a.text.Len(),
			"saw_done", a.session.SawDone,
			"malformed_lines", a.session.Malformed,
			"duration", now.Sub(a.session.StartedAt),
		)
		return
	}

	a.session.Phase = PhaseFailed
	a.session.Failure = FailureTransport
	if errors.Is(err, ollama.ErrStreamUnsupported) {
		a.session.Failure = FailureStreamUnsupported
	}
	a.session.Reason = err.Error()

	reply := &m.messages[a.reply]
	reply.IsError = true
	reply.Error = a.session.Reason
	m.publishLocked()

	m.logger.Error("generation failed",
		"session_id", a.session.ID,
		"failure", a.session.Failure,
		"error", err,
	)
}

func (m *Manager) record(a *active) {
	if m.recorder == nil {
		return
	}
	m.mu.Lock()
	s := a.session
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.Record(ctx, s); err != nil {
		m.logger.Error("failed to record generation", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:      m.seq,
		Messages: append([]Message(nil), m.messages...),
	}
	if m.current != nil {
		s := m.current.session
		snap.Session = &s
	}
	return snap
}

func (m *Manager) publishLocked() {
	m.seq++
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for sub := range m.subs {
		sub.offer(snap)
	}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
