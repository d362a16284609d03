package view

import (
	"strings"
	"testing"

	"github.com/mattjoyce/pixelbrain/internal/session"
)

func snapshot(phase session.Phase, text string, reply session.Message) session.Snapshot {
	reply.SessionID = "s1"
	reply.Text = text
	return session.Snapshot{
		Seq:     7,
		Session: &session.Session{ID: "s1", Phase: phase, Text: text},
		Messages: []session.Message{
			{SessionID: "s1", Text: "hello", IsFromUser: true},
			reply,
		},
	}
}

func TestProjectIndicator(t *testing.T) {
	tests := []struct {
		name      string
		phase     session.Phase
		text      string
		indicator Indicator
		ready     bool
	}{
		{"awaiting first byte", session.PhaseAwaitingFirstByte, "", IndicatorThinking, false},
		{"streaming", session.PhaseStreaming, "Hi", IndicatorTyping, false},
		{"streaming without text", session.PhaseStreaming, "", IndicatorThinking, false},
		{"completed", session.PhaseCompleted, "Hi there", IndicatorNone, true},
		{"cancelled", session.PhaseCancelled, "12", IndicatorNone, true},
		{"failed", session.PhaseFailed, "", IndicatorNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Project(snapshot(tt.phase, tt.text, session.Message{}), "")
			if st.Indicator != tt.indicator {
				t.Fatalf("indicator = %q, want %q", st.Indicator, tt.indicator)
			}
			if st.InputReady != tt.ready || st.CanCancel == tt.ready {
				t.Fatalf("input_ready=%v can_cancel=%v", st.InputReady, st.CanCancel)
			}
			if st.Seq != 7 || st.Phase != tt.phase {
				t.Fatalf("seq/phase not carried: %+v", st)
			}
		})
	}
}

func TestProjectIdle(t *testing.T) {
	st := Project(session.Snapshot{}, "")
	if st.Phase != session.PhaseIdle || st.Indicator != IndicatorNone || !st.InputReady {
		t.Fatalf("unexpected idle state: %+v", st)
	}
	if st.Messages == nil || len(st.Messages) != 0 {
		t.Fatalf("idle state should have an empty, non-nil message list")
	}
}

func TestProjectCancelledAppendsMarkerOnce(t *testing.T) {
	snap := snapshot(session.PhaseCancelled, "12", session.Message{IsStopped: true})
	st := Project(snap, "")
	reply := st.Messages[1]
	if reply.Text != "12 [stopped]" || !reply.IsStopped {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// Projecting again from the same snapshot must not stack markers.
	again := Project(snap, "")
	if strings.Count(again.Messages[1].Text, "[stopped]") != 1 {
		t.Fatalf("marker repeated: %q", again.Messages[1].Text)
	}
	if snap.Messages[1].Text != "12" {
		t.Fatalf("projection mutated the snapshot")
	}
}

func TestProjectCustomMarker(t *testing.T) {
	st := Project(snapshot(session.PhaseCancelled, "ab", session.Message{IsStopped: true}), " (stopped)")
	if st.Messages[1].Text != "ab (stopped)" {
		t.Fatalf("text = %q", st.Messages[1].Text)
	}
}

func TestProjectFailedShowsReason(t *testing.T) {
	reply := session.Message{IsError: true, Error: "generate: server error: 404: model not found"}
	st := Project(snapshot(session.PhaseFailed, "partial", reply), "")
	got := st.Messages[1]
	if !got.IsError || got.Text != "Error: generate: server error: 404: model not found" {
		t.Fatalf("unexpected error reply: %+v", got)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("expected exactly one reply, got %d messages", len(st.Messages))
	}
}

func TestProjectUserMessagesUnchanged(t *testing.T) {
	st := Project(snapshot(session.PhaseStreaming, "Hi", session.Message{}), "")
	if !st.Messages[0].IsFromUser || st.Messages[0].Text != "hello" {
		t.Fatalf("user message changed: %+v", st.Messages[0])
	}
	if st.Messages[1].IsFromUser || st.Messages[1].Text != "Hi" {
		t.Fatalf("reply changed: %+v", st.Messages[1])
	}
}
