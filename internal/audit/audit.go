// Package audit records desired-state changes and commit outcomes so
// operators can reconstruct who changed what and when.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wgsteward/internal/clock"
)

// Event is one entry in the audit trail.
type Event struct {
	ID            int64     `json:"id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Resource      string    `json:"resource"`
	Detail        string    `json:"detail,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// Store persists audit events in its own sqlite database, separate from
// the desired-state database so pruning never races a commit.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	time           INTEGER NOT NULL,
	action         TEXT NOT NULL,
	resource       TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
`

// Open creates or opens the audit database at path. A nil clk uses the
// real clock.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Record appends an event. A zero Time is filled from the clock.
func (s *Store) Record(ctx context.Context, evt Event) error {
	if evt.Time.IsZero() {
		evt.Time = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (time, action, resource, detail, transaction_id) VALUES (?, ?, ?, ?, ?)`,
		evt.Time.Unix(), evt.Action, evt.Resource, evt.Detail, evt.TransactionID)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, action, resource, detail, transaction_id
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var unix int64
		if err := rows.Scan(&evt.ID, &unix, &evt.Action, &evt.Resource,
			&evt.Detail, &evt.TransactionID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Time = time.Unix(unix, 0).UTC()
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune deletes events older than retention and reports how many went.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
