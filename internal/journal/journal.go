// Package journal keeps a best-effort execution history in SQLite so
// operators can inspect what the steward has been doing.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Status values for one execution row.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one recorded execution.
type Entry struct {
	ID         string
	Path       string
	Trigger    string
	Status     string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal wraps the executions table. A nil *Journal is a valid no-op so
// callers need no enabled checks.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	trigger     TEXT NOT NULL,
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at DESC);
`

// Open creates or opens the journal database, creating parent directories
// as needed.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Concurrent steward executions share one writer connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Begin records the start of an execution and returns its row id. Failures
// are logged, never propagated.
func (j *Journal) Begin(ctx context.Context, path, trigger string) string {
	if j == nil {
		return ""
	}
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO executions (id, path, trigger, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, path, trigger, StatusRunning, time.Now().UTC())
	if err != nil {
		j.logger.Warn("journal begin failed", zap.Error(err))
		return ""
	}
	return id
}

// Finish closes an execution row with its terminal status.
func (j *Journal) Finish(ctx context.Context, id, status, detail string) {
	if j == nil || id == "" {
		return
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, detail = ?, finished_at = ? WHERE id = ?`,
		status, detail, time.Now().UTC(), id)
	if err != nil {
		j.logger.Warn("journal finish failed", zap.Error(err))
	}
}

// Recent returns the latest executions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	if limit < 1 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, path, trigger, status, detail, started_at, finished_at
		 FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.Path, &e.Trigger, &e.Status, &e.Detail, &e.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		// Still-running rows have no finish time yet.
		e.FinishedAt = e.StartedAt
		if finished.Valid {
			e.FinishedAt = finished.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
