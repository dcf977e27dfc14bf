// Package history keeps a bounded, newest-first log of kill and detect events in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// pure-Go SQLite driver, registers "sqlite"
	_ "modernc.org/sqlite"

	"github.com/mukes555/PortKilla/src/internal/types"
)

// DefaultLimit is the number of entries retained.
const DefaultLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	port         INTEGER NOT NULL,
	process_name TEXT    NOT NULL,
	action       TEXT    NOT NULL,
	ts           INTEGER NOT NULL
)`

// Store is the SQLite-backed history log.
type Store struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// Open opens (creating if needed) the history database at path.
// ":memory:" gives a private in-memory log. limit <= 0 means DefaultLimit.
func Open(path string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	// one connection: in-memory databases are per connection and writes serialize anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}
	return &Store{db: db, limit: limit, now: time.Now}, nil
}

// Record appends an entry and trims the log to the limit.
// A zero Timestamp is replaced with the current time.
func (s *Store) Record(ctx context.Context, e types.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (port, process_name, action, ts) VALUES (?, ?, ?, ?)`,
		e.Port, e.ProcessName, string(e.Action), e.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`,
		s.limit); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return tx.Commit()
}

// Entries returns the retained entries, newest first.
func (s *Store) Entries(ctx context.Context) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, port, process_name, action, ts FROM history ORDER BY id DESC LIMIT ?`, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	entries := []types.HistoryEntry{}
	for rows.Next() {
		var (
			e      types.HistoryEntry
			action string
			ts     int64
		)
		if err := rows.Scan(&e.ID, &e.Port, &e.ProcessName, &action, &ts); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		e.Action = types.HistoryAction(action)
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
