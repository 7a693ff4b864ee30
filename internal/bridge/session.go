package bridge

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolbridge/internal/usage"
)

// Decision is one permission check made during a session.
type Decision struct {
	Server  string    `json:"server"`
	Allowed bool      `json:"allowed"`
	At      time.Time `json:"at"`
}

// Session accumulates everything one agent interaction did through a
// bridge: usage records in call order, permission decisions, and the
// errors that reached the caller.
type Session struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitzero"`
	Records   []usage.Record `json:"records"`
	Decisions []Decision     `json:"decisions"`
	Errors    []string       `json:"errors,omitempty"`

	mu sync.Mutex
}

func newSession(agent string, now time.Time) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{ID: id.String(), Agent: agent, StartedAt: now}
}

func (s *Session) record(rec usage.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, rec)
	if rec.Error != "" {
		s.Errors = append(s.Errors, rec.Error)
	}
}

func (s *Session) decide(server string, allowed bool, at time.Time) {
	s.mu.Lock()
	s.Decisions = append(s.Decisions, Decision{Server: server, Allowed: allowed, At: at})
	s.mu.Unlock()
}

func (s *Session) end(at time.Time) {
	s.mu.Lock()
	s.EndedAt = at
	s.mu.Unlock()
}

// snapshot returns an independent copy of the session.
func (s *Session) snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Session{
		ID:        s.ID,
		Agent:     s.Agent,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Records:   slices.Clone(s.Records),
		Decisions: slices.Clone(s.Decisions),
		Errors:    slices.Clone(s.Errors),
	}
}

// Summary is the aggregate view of a session.
type Summary struct {
	SessionID   string                   `json:"session_id"`
	Agent       string                   `json:"agent"`
	TotalCalls  int                      `json:"total_calls"`
	Successful  int                      `json:"successful"`
	Failed      int                      `json:"failed"`
	Recovered   int                      `json:"recovered"`
	Denied      int                      `json:"denied"`
	SuccessRate float64                  `json:"success_rate"`
	AvgLatency  time.Duration            `json:"avg_latency"`
	Duration    time.Duration            `json:"duration"`
	Servers     map[string]ServerSummary `json:"servers"`
}

// ServerSummary is the per-server slice of a [Summary].
type ServerSummary struct {
	Calls      int           `json:"calls"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Summary computes totals over the session so far. Denied calls are
// counted separately and never reach TotalCalls.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		SessionID: s.ID,
		Agent:     s.Agent,
		Servers:   make(map[string]ServerSummary),
	}
	if !s.EndedAt.IsZero() {
		sum.Duration = s.EndedAt.Sub(s.StartedAt)
	}
	for _, d := range s.Decisions {
		if !d.Allowed {
			sum.Denied++
		}
	}

	var total time.Duration
	latency := make(map[string]time.Duration)
	for _, rec := range s.Records {
		sum.TotalCalls++
		total += rec.Latency
		srv := sum.Servers[rec.Server]
		srv.Calls++
		if rec.Success {
			sum.Successful++
			srv.Successful++
		} else {
			sum.Failed++
			srv.Failed++
		}
		if rec.Recovered {
			sum.Recovered++
		}
		latency[rec.Server] += rec.Latency
		sum.Servers[rec.Server] = srv
	}
	for name, srv := range sum.Servers {
		srv.AvgLatency = latency[name] / time.Duration(srv.Calls)
		sum.Servers[name] = srv
	}
	if sum.TotalCalls > 0 {
		sum.AvgLatency = total / time.Duration(sum.TotalCalls)
		sum.SuccessRate = float64(sum.Successful) / float64(sum.TotalCalls)
	}
	return sum
}

// Session returns a copy of the bridge's session.
func (b *Bridge) Session() *Session {
	return b.session.snapshot()
}

// Summary aggregates the bridge's session so far.
func (b *Bridge) Summary() Summary {
	return b.session.Summary()
}
