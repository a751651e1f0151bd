// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit provides the durable, append-only trail of routing attempts.
// Every attempt is written before the router moves to the next candidate, so
// a crash mid-fallback leaves a complete record up to the last attempt.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Record is one routing-attempt entry in the audit trail.
type Record struct {
	ID         int64          `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	TaskID     string         `json:"task_id"`
	ProviderID string         `json:"provider_id"`
	Outcome    string         `json:"outcome"`
	LatencyMs  int64          `json:"latency_ms"`
	Mode       string         `json:"mode"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Sink is the append side of the audit trail. The router depends on this
// narrow interface so tests can substitute an in-memory sink.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Store is a SQLite-backed audit log. Appends are synchronous and durable;
// reads serve the operator query surface.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	task_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	mode TEXT NOT NULL,
	detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id);
CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON attempts(timestamp);
`

// Open creates or opens the audit database at the given path.
// WAL mode with synchronous=FULL keeps appends durable without blocking
// readers.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Append writes one record. It returns only after the row is durable.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var detail []byte
	if len(rec.Detail) > 0 {
		var err error
		detail, err = json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("audit: failed to marshal detail: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (timestamp, task_id, provider_id, outcome, latency_ms, mode, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC(), rec.TaskID, rec.ProviderID, rec.Outcome, rec.LatencyMs, rec.Mode, nullable(detail))
	if err != nil {
		return fmt.Errorf("audit: failed to append record: %w", err)
	}
	return nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// QueryByTask returns every attempt for a task, in append order.
func (s *Store) QueryByTask(ctx context.Context, taskID string) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, timestamp, task_id, provider_id, outcome, latency_ms, mode, detail
		 FROM attempts WHERE task_id = ? ORDER BY id`, taskID)
}

// QueryRange returns attempts with from <= timestamp < to, in append order.
func (s *Store) QueryRange(ctx context.Context, from, to time.Time) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, timestamp, task_id, provider_id, outcome, latency_ms, mode, detail
		 FROM attempts WHERE timestamp >= ? AND timestamp < ? ORDER BY id`,
		from.UTC(), to.UTC())
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.TaskID, &rec.ProviderID,
			&rec.Outcome, &rec.LatencyMs, &rec.Mode, &detail); err != nil {
			return nil, fmt.Errorf("audit: scan failed: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &rec.Detail); err != nil {
				return nil, fmt.Errorf("audit: failed to decode detail: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
