package mcp

import (
	"context"
	"log/slog"
	"time"
)

// Transport carries framed messages to and from one tool server.
// Implementations must allow Send to be called from multiple
// goroutines; Receive is called from a single reader goroutine.
type Transport interface {
	// Send writes one message. Concurrent calls never interleave frames.
	Send(ctx context.Context, msg *Message) error

	// Receive reads the next message. A zero timeout waits until a
	// frame arrives, the stream closes, or ctx is done. A closed stream
	// yields a [*ConnectionError], an unparseable frame a
	// [*DecodeError], and an expired timeout a [*TimeoutError].
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close shuts the transport down and releases resources. It is
	// best-effort: failures are logged, not returned.
	Close() error

	// Stats returns running totals for the transport.
	Stats() TransportStats
}

// TransportStats are running totals kept by a transport.
type TransportStats struct {
	Sent         int64     `json:"sent"`
	Received     int64     `json:"received"`
	Errors       int64     `json:"errors"`
	LastError    string    `json:"last_error,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	PID          int       `json:"pid,omitempty"`
}

// LaunchSpec is a fully resolved description of the process to start:
// environment placeholders have already been substituted.
type LaunchSpec struct {
	Server  string
	Command string
	Args    []string
	Env     []string
	Logger  *slog.Logger
}

// Launcher starts a transport for spec. [LaunchStdio] is the
// production implementation; tests substitute fakes to observe or
// prevent process spawns.
type Launcher func(ctx context.Context, spec LaunchSpec) (Transport, error)

// LaunchStdio is a [Launcher] that spawns spec.Command as a subprocess
// and speaks newline-delimited JSON-RPC over its stdin/stdout.
func LaunchStdio(ctx context.Context, spec LaunchSpec) (Transport, error) {
	return StartStdio(ctx, StdioConfig{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Logger:  spec.Logger,
	})
}
