// Package view maps session snapshots to what a conversation view renders.
package view

import (
	"github.com/mattjoyce/pixelbrain/internal/session"
)

// DefaultStoppedMarker is appended to a reply the user cancelled.
const DefaultStoppedMarker = " [stopped]"

// Indicator is the activity shown next to the pending reply.
type Indicator string

const (
	IndicatorNone     Indicator = ""
	IndicatorThinking Indicator = "thinking"
	IndicatorTyping   Indicator = "typing"
)

// Message is one rendered conversation entry.
type Message struct {
	Text       string `json:"text"`
	IsFromUser bool   `json:"is_from_user"`
	IsStopped  bool   `json:"is_stopped,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// State is everything a view needs for one frame.
type State struct {
	Seq        uint64        `json:"seq"`
	Phase      session.Phase `json:"phase"`
	Indicator  Indicator     `json:"indicator,omitempty"`
	Messages   []Message     `json:"messages"`
	InputReady bool          `json:"input_ready"`
	CanCancel  bool          `json:"can_cancel"`
}

// Project derives the view state from a snapshot. It has no side effects and
// does not look at connectivity. An empty marker uses DefaultStoppedMarker.
func Project(snap session.Snapshot, stoppedMarker string) State {
	if stoppedMarker == "" {
		stoppedMarker = DefaultStoppedMarker
	}

	phase := snap.Phase()
	st := State{
		Seq:        snap.Seq,
		Phase:      phase,
		Indicator:  indicator(snap),
		Messages:   make([]Message, 0, len(snap.Messages)),
		InputReady: !phase.Active(),
		CanCancel:  phase.Active(),
	}

	for _, m := range snap.Messages {
		out := Message{Text: m.Text, IsFromUser: m.IsFromUser}
		switch {
		case m.IsFromUser:
		case m.IsError:
			out.IsError = true
			out.Text = "Error: " + m.Error
		case m.IsStopped:
			out.IsStopped = true
			out.Text = m.Text + stoppedMarker
		}
		st.Messages = append(st.Messages, out)
	}
	return st
}

func indicator(snap session.Snapshot) Indicator {
	switch snap.Phase() {
	case session.PhaseAwaitingFirstByte:
		return IndicatorThinking
	case session.PhaseStreaming:
		if snap.Session.Text == "" {
			return IndicatorThinking
		}
		return IndicatorTyping
	default:
		return IndicatorNone
	}
}
