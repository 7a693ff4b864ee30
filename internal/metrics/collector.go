// Package metrics exports tool-call, session, and recovery counters to
// Prometheus. The collector registers on a caller-provided registerer so
// tests and embedders control the namespace and lifetime.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
)

// Collector holds the Prometheus instruments for a toolbridge process.
type Collector struct {
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	denials          *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	sessions         *prometheus.CounterVec
	sessionCalls     *prometheus.HistogramVec
	connectFailures  *prometheus.CounterVec
	circuitOpens     *prometheus.CounterVec
	connectionState  *prometheus.GaugeVec

	logger *slog.Logger
}

// connectionStates are the label values of the connection state gauge.
var connectionStates = []string{"disconnected", "connecting", "ready", "circuit-open"}

// NewCollector creates and registers the instruments on reg. A nil reg
// uses [prometheus.DefaultRegisterer].
func NewCollector(namespace string, reg prometheus.Registerer, logger *slog.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := promauto.With(reg)

	return &Collector{
		logger: logger.With("component", "metrics"),

		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by outcome",
		}, []string{"server", "tool", "agent", "status"}),

		toolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"server", "tool"}),

		denials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_denials_total",
			Help:      "Tool calls refused by agent permission checks",
		}, []string{"agent", "server"}),

		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery strategy attempts by outcome",
		}, []string{"category", "strategy", "result"}),

		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_sessions_total",
			Help:      "Closed bridge sessions",
		}, []string{"agent"}),

		sessionCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_session_calls",
			Help:      "Tool calls made per bridge session",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"agent"}),

		connectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed server connection attempts",
		}, []string{"server"}),

		circuitOpens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_total",
			Help:      "Times a server's circuit breaker opened",
		}, []string{"server"}),

		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current state of each server connection",
		}, []string{"server", "state"}),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordToolCall counts one completed tool call.
func (c *Collector) RecordToolCall(server, tool, agent string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(server, tool, agent, status(ok)).Inc()
	c.toolCallDuration.WithLabelValues(server, tool).Observe(d.Seconds())
}

// RecordDenial counts one permission denial.
func (c *Collector) RecordDenial(agent, server string) {
	if c == nil {
		return
	}
	c.denials.WithLabelValues(agent, server).Inc()
}

// RecordRecovery counts one recovery strategy attempt.
func (c *Collector) RecordRecovery(category, strategy string, ok bool) {
	if c == nil {
		return
	}
	c.recoveries.WithLabelValues(category, strategy, status(ok)).Inc()
}

// RecordSession counts a closed bridge session and its call volume.
func (c *Collector) RecordSession(agent string, calls int) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(agent).Inc()
	c.sessionCalls.WithLabelValues(agent).Observe(float64(calls))
}

// SetConnectionState marks state as the current state of server.
func (c *Collector) SetConnectionState(server, state string) {
	if c == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connectionState.WithLabelValues(server, s).Set(v)
	}
}

// Observe consumes connection events from bus until ctx is cancelled,
// keeping the connection gauges and failure counters current.
// Tool-call outcomes are recorded directly by the bridge rather than
// from events so that no sample is lost to a full subscriber buffer.
func (c *Collector) Observe(ctx context.Context, bus *events.Bus) {
	if c == nil || bus == nil {
		return
	}
	ch := bus.SubscribeSource(events.SourceConnection, 256)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.handle(e)
		}
	}
}

func (c *Collector) handle(e events.Event) {
	server, _ := e.Data["server"].(string)
	switch e.Kind {
	case events.KindStateChange:
		if to, ok := e.Data["to"].(string); ok {
			c.SetConnectionState(server, to)
		}
	case events.KindConnectFailed:
		c.connectFailures.WithLabelValues(server).Inc()
	case events.KindCircuitOpen:
		c.circuitOpens.WithLabelValues(server).Inc()
	default:
		c.logger.Log(context.Background(), config.LevelTrace, "event ignored",
			"source", e.Source, "kind", e.Kind)
	}
}
