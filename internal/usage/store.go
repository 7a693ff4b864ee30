// Package usage provides persistent tool-call usage tracking for agent
// bridge sessions. Records are append-only and indexed by timestamp,
// session, and server for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one tool invocation made through a bridge session.
type Record struct {
	ID        string
	Timestamp time.Time
	SessionID string
	Agent     string
	Server    string
	Tool      string
	Latency   time.Duration
	Success   bool
	Attempts  int
	Recovered bool   // succeeded only after a recovery strategy ran
	Error     string // empty on success
}

// Session is the persisted summary of a closed bridge session.
type Session struct {
	ID         string
	Agent      string
	StartedAt  time.Time
	EndedAt    time.Time
	TotalCalls int
	Successful int
	Denied     int
	AvgLatency time.Duration
}

// Summary holds aggregated call totals.
type Summary struct {
	TotalRecords int
	Successful   int
	Failed       int
	Recovered    int
	AvgLatency   time.Duration
}

// SuccessRate returns the fraction of successful calls, or 0 when there
// are none.
func (s *Summary) SuccessRate() float64 {
	if s == nil || s.TotalRecords == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.TotalRecords)
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		session_id TEXT,
		agent      TEXT NOT NULL,
		server     TEXT NOT NULL,
		tool       TEXT NOT NULL,
		latency_us INTEGER NOT NULL,
		success    INTEGER NOT NULL,
		attempts   INTEGER NOT NULL,
		recovered  INTEGER NOT NULL,
		error      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server);

	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		agent          TEXT NOT NULL,
		started_at     TEXT NOT NULL,
		ended_at       TEXT NOT NULL,
		total_calls    INTEGER NOT NULL,
		successful     INTEGER NOT NULL,
		denied         INTEGER NOT NULL,
		avg_latency_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, session_id, agent, server, tool,
			 latency_us, success, attempts, recovered, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.SessionID,
		rec.Agent,
		rec.Server,
		rec.Tool,
		rec.Latency.Microseconds(),
		rec.Success,
		rec.Attempts,
		rec.Recovered,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordSession persists the summary of a closed session.
func (s *Store) RecordSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
			(id, agent, started_at, ended_at, total_calls, successful, denied, avg_latency_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Agent,
		sess.StartedAt.UTC().Format(time.RFC3339),
		sess.EndedAt.UTC().Format(time.RFC3339),
		sess.TotalCalls,
		sess.Successful,
		sess.Denied,
		sess.AvgLatency.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Sessions returns the most recent sessions for agent (all agents when
// empty), newest first.
func (s *Store) Sessions(ctx context.Context, agent string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent, started_at, ended_at, total_calls, successful, denied, avg_latency_us
		 FROM sessions
		 WHERE ? = '' OR agent = ?
		 ORDER BY ended_at DESC
		 LIMIT ?`,
		agent, agent, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess             Session
			started, ended   string
			avgLatencyMicros int64
		)
		if err := rows.Scan(&sess.ID, &sess.Agent, &started, &ended,
			&sess.TotalCalls, &sess.Successful, &sess.Denied, &avgLatencyMicros); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339, started)
		sess.EndedAt, _ = time.Parse(time.RFC3339, ended)
		sess.AvgLatency = time.Duration(avgLatencyMicros) * time.Microsecond
		out = append(out, sess)
	}
	return out, rows.Err()
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(success), 0),
	COALESCE(SUM(1 - success), 0),
	COALESCE(SUM(recovered), 0),
	COALESCE(AVG(latency_us), 0)`

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT `+summaryColumns+`
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	var avg float64
	if err := row.Scan(&sum.TotalRecords, &sum.Successful, &sum.Failed, &sum.Recovered, &avg); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	sum.AvgLatency = time.Duration(avg) * time.Microsecond
	return &sum, nil
}

// SummaryByServer returns per-server aggregated totals for records within [start, end).
func (s *Store) SummaryByServer(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("server", start, end)
}

// SummaryByAgent returns per-agent aggregated totals for records within [start, end).
func (s *Store) SummaryByAgent(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("agent", start, end)
}

// SummaryByTool returns per-tool aggregated totals for records within [start, end).
func (s *Store) SummaryByTool(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("tool", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), %s
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, summaryColumns, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var avg float64
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.Successful, &sum.Failed, &sum.Recovered, &avg); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		sum.AvgLatency = time.Duration(avg) * time.Microsecond
		result[key] = &sum
	}
	return result, rows.Err()
}
