package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// timeFormat is fixed-width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists audit entries in SQLite. The caller owns the *sql.DB;
// any database/sql SQLite driver works.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_entries (
		id                 TEXT PRIMARY KEY,
		timestamp          TEXT NOT NULL,
		kind               TEXT NOT NULL,
		agent              TEXT,
		server             TEXT,
		tool               TEXT,
		category           TEXT,
		severity           TEXT,
		message            TEXT,
		strategy           TEXT,
		recovery_attempted INTEGER NOT NULL DEFAULT 0,
		recovery_succeeded INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent);
	CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_entries(server);
	`)
	return err
}

// Append inserts e. Missing ID and timestamp are filled in.
func (s *Store) Append(ctx context.Context, e Entry) error {
	e, err := prepare(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries
			(id, timestamp, kind, agent, server, tool, category, severity,
			 message, strategy, recovery_attempted, recovery_succeeded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(timeFormat),
		string(e.Kind),
		e.Agent,
		e.Server,
		e.Tool,
		e.Category,
		e.Severity,
		e.Message,
		e.Strategy,
		e.RecoveryAttempted,
		e.RecoverySucceeded,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries, oldest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Server != "" {
		where = append(where, "server = ?")
		args = append(args, f.Server)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(timeFormat))
	}

	query := `SELECT id, timestamp, kind, COALESCE(agent, ''), COALESCE(server, ''),
		COALESCE(tool, ''), COALESCE(category, ''), COALESCE(severity, ''),
		COALESCE(message, ''), COALESCE(strategy, ''), recovery_attempted, recovery_succeeded
		FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   string
			kind string
		)
		if err := rows.Scan(&e.ID, &ts, &kind, &e.Agent, &e.Server, &e.Tool,
			&e.Category, &e.Severity, &e.Message, &e.Strategy,
			&e.RecoveryAttempted, &e.RecoverySucceeded); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		if e.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByCategory counts error and recovery entries recorded at or after since,
// keyed by category.
func (s *Store) CountByCategory(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM audit_entries
		 WHERE category IS NOT NULL AND category != '' AND timestamp >= ?
		 GROUP BY category`,
		since.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("count audit categories: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan audit category count: %w", err)
		}
		counts[cat] = n
	}
	return counts, rows.Err()
}
