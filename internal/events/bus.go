// Package events provides a publish/subscribe bus for operational
// observability. Connections, the client, and bridges publish lifecycle
// and call events; the CLI's watch mode and tests subscribe. The bus is
// nil-safe: publishing on a nil *Bus is a no-op, so components never
// need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnection identifies events from a single server connection.
	SourceConnection = "connection"
	// SourceClient identifies events from the multi-server client.
	SourceClient = "client"
	// SourceBridge identifies events from an agent bridge.
	SourceBridge = "bridge"
	// SourceRecovery identifies events from the recovery engine.
	SourceRecovery = "recovery"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChange signals a connection state transition.
	// Data: server, from, to.
	KindStateChange = "state_change"
	// KindConnectFailed signals a failed connection attempt.
	// Data: server, attempt, error.
	KindConnectFailed = "connect_failed"
	// KindCircuitOpen signals that a server's circuit breaker opened.
	// Data: server, until.
	KindCircuitOpen = "circuit_open"
	// KindToolsChanged signals the server invalidated its tool list.
	// Data: server.
	KindToolsChanged = "tools_changed"
	// KindHealthCheck signals a completed health ping.
	// Data: server, ok, latency_ms.
	KindHealthCheck = "health_check"

	// KindToolCall signals the start of a tool invocation.
	// Data: server, tool, agent.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: server, tool, agent, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindPermissionDenied signals a call refused by permission checks.
	// Data: server, agent.
	KindPermissionDenied = "permission_denied"

	// KindRecoveryAttempt signals a recovery strategy was tried.
	// Data: server, category, strategy, ok.
	KindRecoveryAttempt = "recovery_attempt"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// subscription is one subscriber's channel plus an optional source filter.
type subscription struct {
	ch     chan Event
	source string
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]subscription
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]subscription)}
}

// Publish sends an event to all matching subscribers. If a
// subscriber's channel is full the event is dropped for that
// subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.source != "" && s.source != e.Source {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives every published event. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeSource("", bufSize)
}

// SubscribeSource is like Subscribe but delivers only events whose
// Source equals source. An empty source matches everything.
func (b *Bus) SubscribeSource(source string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = subscription{ch: ch, source: source}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// with an unknown or already removed channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
