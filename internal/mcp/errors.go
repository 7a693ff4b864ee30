package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled resolves pending requests when their connection is shut
// down before a response arrives.
var ErrCancelled = errors.New("request cancelled by disconnect")

// ErrNotConnected is wrapped in a [ConnectionError] when a request is
// issued on a connection that is not ready.
var ErrNotConnected = errors.New("not connected")

// ErrStreamClosed is wrapped in a [ConnectionError] when the peer
// closes its output stream.
var ErrStreamClosed = errors.New("stream closed by peer")

// ConnectionError reports a transport-level failure: the stream was
// closed, a write failed, or the connection is not established.
type ConnectionError struct {
	Server string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection error: %s %s: %v", e.Server, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a frame that could not be parsed as a message.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Line), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError reports that no response (or no frame) arrived in time.
type TimeoutError struct {
	Server string
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("timeout: no frame from %s within %s", e.serverName(), e.After)
	}
	return fmt.Sprintf("timeout: %s %s did not respond within %s", e.serverName(), e.Method, e.After)
}

func (e *TimeoutError) serverName() string {
	if e.Server == "" {
		return "peer"
	}
	return e.Server
}

// CircuitOpenError is returned by Connect while the circuit breaker is
// open. No process is spawned. Err holds the connect failure that
// tripped the breaker, when known.
type CircuitOpenError struct {
	Server string
	Until  time.Time
	Err    error
}

func (e *CircuitOpenError) Error() string {
	msg := fmt.Sprintf("circuit open for %s until %s", e.Server, e.Until.Format(time.RFC3339))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CircuitOpenError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the transport is unusable and the
// connection must be torn down.
func IsFatal(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
