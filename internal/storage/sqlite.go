package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens the generation log at path, creating the file and its
// parent directory when missing.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id                   TEXT PRIMARY KEY,
			prompt               TEXT NOT NULL,
			model                TEXT NOT NULL,
			endpoint             TEXT,
			phase                TEXT NOT NULL,
			reply                TEXT NOT NULL DEFAULT '',
			failure              TEXT,
			reason               TEXT,
			malformed_lines      INTEGER NOT NULL DEFAULT 0,
			saw_done             INTEGER NOT NULL DEFAULT 0,
			prompt_eval_count    INTEGER,
			eval_count           INTEGER,
			eval_duration_ns     INTEGER,
			total_duration_ns    INTEGER,
			started_at           TEXT NOT NULL,
			first_token_at       TEXT,
			ended_at             TEXT,
			created_at           TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS generations_started_at_idx ON generations(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
