package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/rpcguard/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS admission_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	resource TEXT    NOT NULL,
	scope    TEXT    NOT NULL,
	mode     TEXT    NOT NULL,
	admitted INTEGER NOT NULL,
	cause    TEXT    NOT NULL DEFAULT '',
	at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_admission_events_resource ON admission_events(resource);
`

// SQLStore appends every event to an SQLite table.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) the database at dsn and applies
// the schema. Use ":memory:" for a throwaway store.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; an in-memory database also lives on a
	// single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Record implements Store.
func (s *SQLStore) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	admitted := 0
	if ev.Admitted {
		admitted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admission_events (resource, scope, mode, admitted, cause, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Resource, string(ev.Scope), string(ev.Mode), admitted, string(ev.Cause), at.UnixNano())
	if err != nil {
		return fmt.Errorf("record admission event: %w", err)
	}
	return nil
}

// Totals returns admitted/denied counts for resource, or for all resources
// when resource is empty.
func (s *SQLStore) Totals(ctx context.Context, resource string) (Counters, error) {
	q := `SELECT COALESCE(SUM(admitted), 0), COALESCE(SUM(1 - admitted), 0) FROM admission_events`
	var args []any
	if resource != "" {
		q += ` WHERE resource = ?`
		args = append(args, resource)
	}
	var c Counters
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&c.Admitted, &c.Denied); err != nil {
		return Counters{}, fmt.Errorf("query totals: %w", err)
	}
	return c, nil
}

// Recent returns up to limit events, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, scope, mode, admitted, cause, at FROM admission_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                 Event
			scope, mode, cause string
			admitted           int
			at                 int64
		)
		if err := rows.Scan(&ev.Resource, &scope, &mode, &admitted, &cause, &at); err != nil {
			return nil, err
		}
		ev.Scope = model.Scope(scope)
		ev.Mode = model.CallMode(mode)
		ev.Admitted = admitted == 1
		ev.Cause = model.Cause(cause)
		ev.At = time.Unix(0, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
