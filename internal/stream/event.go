package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// EventKind tags a generation event.
type EventKind int

const (
	TokenFragment EventKind = iota
	Completed
	Unparseable
)

func (k EventKind) String() string {
	switch k {
	case TokenFragment:
		return "token"
	case Completed:
		return "completed"
	case Unparseable:
		return "unparseable"
	default:
		return "unknown"
	}
}

// Event is one parsed generation event. Text is set for TokenFragment, Stats
// (when the server sent them) for Completed, Raw and Err for Unparseable.
type Event struct {
	Kind  EventKind
	Text  string
	Stats *Stats
	Raw   string
	Err   string
}

// Stats are the timing counters an Ollama-style server attaches to its final
// object. Durations arrive in nanoseconds.
type Stats struct {
	TotalDuration      time.Duration `json:"total_duration"`
	LoadDuration       time.Duration `json:"load_duration"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration"`
	EvalCount          int           `json:"eval_count"`
	EvalDuration       time.Duration `json:"eval_duration"`
}

// GenerationRate returns generated tokens per second, or 0 without timing data.
func (s Stats) GenerationRate() float64 {
	return rate(s.EvalCount, s.EvalDuration)
}

// PromptRate returns prompt tokens processed per second.
func (s Stats) PromptRate() float64 {
	return rate(s.PromptEvalCount, s.PromptEvalDuration)
}

func (s Stats) empty() bool {
	return s == Stats{}
}

func rate(count int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(count) / d.Seconds()
}

type wireObject struct {
	Response json.RawMessage `json:"response"`
	Done     json.RawMessage `json:"done"`
	Error    json.RawMessage `json:"error"`
	Stats
}

// Parse turns one decoded line into zero or more events. Blank lines produce
// nothing; anything that is not a JSON object produces a single Unparseable
// event. An object can yield both a TokenFragment and a Completed event, in
// that order.
func Parse(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] != '{' {
		return []Event{{Kind: Unparseable, Raw: line}}
	}

	var obj wireObject
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return []Event{{Kind: Unparseable, Raw: line, Err: err.Error()}}
	}

	if msg := stringValue(obj.Error); msg != "" {
		return []Event{{Kind: Unparseable, Raw: line, Err: msg}}
	}

	var events []Event
	if text := stringValue(obj.Response); text != "" {
		events = append(events, Event{Kind: TokenFragment, Text: text})
	}
	if truthy(obj.Done) {
		ev := Event{Kind: Completed}
		if !obj.Stats.empty() {
			stats := obj.Stats
			ev.Stats = &stats
		}
		events = append(events, ev)
	}
	return events
}

func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// truthy mirrors JavaScript truthiness for a decoded JSON value.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 't':
		return true
	case 'f', 'n':
		return false
	case '"':
		return stringValue(raw) != ""
	case '{', '[':
		return true
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return false
		}
		return f != 0
	}
}
