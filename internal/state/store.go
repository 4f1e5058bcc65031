// Package state persists the registry's last known service states so a
// crashed orchestrator can restart without re-launching services that are
// already Ready.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
	name       TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	breaker    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Record is one persisted service row. States are stored as their string
// forms so the store has no dependency on the domain packages.
type Record struct {
	Name      string
	State     string
	Breaker   string
	UpdatedAt time.Time
}

// Store wraps the SQLite database holding fleet state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database. Pass ":memory:" for
// an ephemeral store in tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Single writer; WAL lets status readers in without blocking it.
	db.SetMaxOpenConns(4)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save upserts the given records in one transaction.
func (s *Store) Save(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO services (name, state, breaker, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			breaker = excluded.breaker,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err = stmt.Exec(r.Name, r.State, r.Breaker, r.UpdatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to persist state for %s: %w", r.Name, err)
		}
	}

	return tx.Commit()
}

// Load returns all persisted records keyed by service name.
func (s *Store) Load() (map[string]Record, error) {
	rows, err := s.db.Query(`SELECT name, state, breaker, updated_at FROM services`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var r Record
		var updatedAt int64
		if err := rows.Scan(&r.Name, &r.State, &r.Breaker, &updatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(updatedAt)
		out[r.Name] = r
	}
	return out, rows.Err()
}

// Clear removes every record. Called after a fleet teardown so the next
// start begins from scratch instead of restoring stale verdicts.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM services`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
