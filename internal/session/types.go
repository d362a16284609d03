package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/pixelbrain/internal/stream"
)

var (
	// ErrEmptyPrompt is returned by Submit when the prompt is blank after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrSessionActive is returned by Submit while a generation is in flight.
	ErrSessionActive = errors.New("a generation is already in progress")
	// ErrUserCancelled marks a session the user stopped. It is not a failure.
	ErrUserCancelled = errors.New("generation stopped by user")
)

// Phase is the lifecycle state of a Session.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingFirstByte Phase = "awaiting_first_byte"
	PhaseStreaming         Phase = "streaming"
	PhaseCompleted         Phase = "completed"
	PhaseCancelled         Phase = "cancelled"
	PhaseFailed            Phase = "failed"
)

// Active reports whether the phase holds the single generation slot.
func (p Phase) Active() bool {
	return p == PhaseAwaitingFirstByte || p == PhaseStreaming
}

// Terminal reports whether no further events can be applied.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// FailureKind classifies a failed session for the view.
type FailureKind string

const (
	FailureTransport         FailureKind = "transport_error"
	FailureStreamUnsupported FailureKind = "stream_unsupported"
)

// FailedError is returned by Session.Err for failed sessions.
type FailedError struct {
	Kind   FailureKind
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Request is one generation call. It does not change once submitted.
type Request struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
}

// Session is a read-only copy of one request/response lifecycle.
type Session struct {
	ID           string        `json:"id"`
	Request      Request       `json:"request"`
	Text         string        `json:"text"`
	Phase        Phase         `json:"phase"`
	Failure      FailureKind   `json:"failure,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Malformed    int           `json:"malformed_lines,omitempty"`
	SawDone      bool          `json:"saw_done"`
	Stats        *stream.Stats `json:"stats,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FirstTokenAt *time.Time    `json:"first_token_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Err returns nil for idle, active and completed sessions, ErrUserCancelled
// for cancelled ones and a *FailedError for failures.
func (s Session) Err() error {
	switch s.Phase {
	case PhaseCancelled:
		return ErrUserCancelled
	case PhaseFailed:
		return &FailedError{Kind: s.Failure, Reason: s.Reason}
	default:
		return nil
	}
}

// Duration is the wall time from submit to the terminal phase, or zero while
// the session is still active.
func (s Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Message is one conversation entry. The reply to a session starts empty and
// grows as fragments arrive; Stopped and Error are set when the session ends
// that way.
type Message struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	IsFromUser bool   `json:"is_from_user"`
	IsStopped  bool   `json:"is_stopped,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Snapshot is the state published to subscribers. Session is nil until the
// first submit.
type Snapshot struct {
	Seq      uint64    `json:"seq"`
	Session  *Session  `json:"session,omitempty"`
	Messages []Message `json:"messages"`
}

// Phase returns the current session's phase, or PhaseIdle.
func (s Snapshot) Phase() Phase {
	if s.Session == nil {
		return PhaseIdle
	}
	return s.Session.Phase
}

// Active reports whether a generation is in flight.
func (s Snapshot) Active() bool {
	return s.Phase().Active()
}
