// Package audit is the append-only trail of permission decisions,
// classified errors, and recovery attempts. Entries are never updated
// or deleted once written.
package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an entry records.
type Kind string

// Entry kinds.
const (
	KindPermissionDenied Kind = "permission_denied"
	KindError            Kind = "error"
	KindRecovery         Kind = "recovery"
	KindToolCall         Kind = "tool_call"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Agent     string    `json:"agent,omitempty"`
	Server    string    `json:"server,omitempty"`
	Tool      string    `json:"tool,omitempty"`

	// Category and Severity are set for errors and recovery attempts.
	Category string `json:"category,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`

	// Strategy names the recovery strategy tried, if any.
	Strategy          string `json:"strategy,omitempty"`
	RecoveryAttempted bool   `json:"recovery_attempted"`
	RecoverySucceeded bool   `json:"recovery_succeeded"`
}

// Log accepts audit entries.
type Log interface {
	Append(ctx context.Context, e Entry) error
}

// Filter narrows a query. Zero-valued fields match everything.
type Filter struct {
	Kind   Kind
	Agent  string
	Server string
	Since  time.Time
	Limit  int
}

func (f Filter) match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Server != "" && e.Server != f.Server {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// prepare fills in the ID and timestamp of a new entry.
func prepare(e Entry) (Entry, error) {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return e, fmt.Errorf("generate audit entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e, nil
}

// Memory is an in-process [Log]. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory { return &Memory{} }

// Append records e.
func (m *Memory) Append(_ context.Context, e Entry) error {
	e, err := prepare(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Query returns matching entries, oldest first.
func (m *Memory) Query(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if f.match(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// Entries returns a copy of every entry.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// CountByCategory counts error and recovery entries recorded at or after since,
// keyed by category.
func (m *Memory) CountByCategory(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range m.entries {
		if e.Category == "" || e.Timestamp.Before(since) {
			continue
		}
		counts[e.Category]++
	}
	return counts, nil
}

// Multi fans out to several logs. The first error is returned after
// every log has been tried.
type Multi []Log

// Append records e in every log.
func (m Multi) Append(ctx context.Context, e Entry) error {
	e, err := prepare(e)
	if err != nil {
		return err
	}
	var first error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
