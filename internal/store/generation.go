package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/pixelbrain/internal/session"
	"github.com/mattjoyce/pixelbrain/internal/stream"
)

// ErrNotFound is returned when no generation has the requested id.
var ErrNotFound = errors.New("generation not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Generation is the stored record of one finished session.
type Generation struct {
	ID              string        `json:"id"`
	Prompt          string        `json:"prompt"`
	Model           string        `json:"model"`
	Endpoint        string        `json:"endpoint,omitempty"`
	Phase           session.Phase `json:"phase"`
	Reply           string        `json:"reply"`
	Failure         *string       `json:"failure,omitempty"`
	Reason          *string       `json:"reason,omitempty"`
	MalformedLines  int           `json:"malformed_lines"`
	SawDone         bool          `json:"saw_done"`
	PromptEvalCount *int64        `json:"prompt_eval_count,omitempty"`
	EvalCount       *int64        `json:"eval_count,omitempty"`
	EvalDuration    *int64        `json:"eval_duration_ns,omitempty"`
	TotalDuration   *int64        `json:"total_duration_ns,omitempty"`
	TokensPerSecond *float64      `json:"tokens_per_second,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FirstTokenAt    *time.Time    `json:"first_token_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// GenerationStore persists finished sessions. It implements session.Recorder.
type GenerationStore struct {
	db *sql.DB
}

// NewGenerationStore creates a new GenerationStore.
func NewGenerationStore(db *sql.DB) *GenerationStore {
	return &GenerationStore{db: db}
}

// Record inserts s. Recording the same session id twice keeps the first row.
func (s *GenerationStore) Record(ctx context.Context, sess session.Session) error {
	var failure, reason *string
	if sess.Failure != "" {
		v := string(sess.Failure)
		failure = &v
	}
	if sess.Reason != "" {
		v := sess.Reason
		reason = &v
	}

	var promptEval, eval, evalDur, totalDur *int64
	if st := sess.Stats; st != nil {
		promptEval = int64Ptr(int64(st.PromptEvalCount))
		eval = int64Ptr(int64(st.EvalCount))
		evalDur = int64Ptr(int64(st.EvalDuration))
		totalDur = int64Ptr(int64(st.TotalDuration))
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, prompt, model, endpoint, phase, reply, failure, reason,
		 malformed_lines, saw_done, prompt_eval_count, eval_count, eval_duration_ns, total_duration_ns,
		 started_at, first_token_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.Request.Prompt, sess.Request.Model, sess.Request.Endpoint,
		string(sess.Phase), sess.Text, failure, reason,
		sess.Malformed, sess.SawDone, promptEval, eval, evalDur, totalDur,
		formatTime(sess.StartedAt), formatTimePtr(sess.FirstTokenAt), formatTimePtr(sess.EndedAt),
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetByID retrieves a generation by its session id.
func (s *GenerationStore) GetByID(ctx context.Context, id string) (*Generation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// List returns the most recent generations, newest first. limit is clamped
// to [1, MaxListLimit]; zero means DefaultListLimit.
func (s *GenerationStore) List(ctx context.Context, limit int) ([]*Generation, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	gens := []*Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

const generationColumns = `id, prompt, model, endpoint, phase, reply, failure, reason,
	malformed_lines, saw_done, prompt_eval_count, eval_count, eval_duration_ns, total_duration_ns,
	started_at, first_token_at, ended_at, created_at`

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(s scanner) (*Generation, error) {
	var g Generation
	var phase string
	var endpoint, failure, reason sql.NullString
	var promptEval, eval, evalDur, totalDur sql.NullInt64
	var startedAt, createdAt string
	var firstTokenAt, endedAt *string

	err := s.Scan(&g.ID, &g.Prompt, &g.Model, &endpoint, &phase, &g.Reply, &failure, &reason,
		&g.MalformedLines, &g.SawDone, &promptEval, &eval, &evalDur, &totalDur,
		&startedAt, &firstTokenAt, &endedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}

	g.Phase = session.Phase(phase)
	g.Endpoint = endpoint.String
	g.Failure = nullString(failure)
	g.Reason = nullString(reason)
	g.PromptEvalCount = nullInt64(promptEval)
	g.EvalCount = nullInt64(eval)
	g.EvalDuration = nullInt64(evalDur)
	g.TotalDuration = nullInt64(totalDur)

	if g.EvalCount != nil && g.EvalDuration != nil {
		st := stream.Stats{EvalCount: int(*g.EvalCount), EvalDuration: time.Duration(*g.EvalDuration)}
		if rate := st.GenerationRate(); rate > 0 {
			g.TokensPerSecond = &rate
		}
	}

	if t := parseTime(&startedAt); t != nil {
		g.StartedAt = *t
	}
	if t := parseTime(&createdAt); t != nil {
		g.CreatedAt = *t
	}
	g.FirstTokenAt = parseTime(firstTokenAt)
	g.EndedAt = parseTime(endedAt)
	return &g, nil
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func int64Ptr(v int64) *int64 {
	return &v
}
