// Package bridge is the agent-facing facade over the client. A Bridge is
// bound to one agent identity: every call is checked against the agent's
// permissions before any I/O, retried within bounds, handed to the
// recovery engine when it still fails, and recorded in the bridge's
// session. Bridge operations never return a Go error; every outcome is
// a [Result].
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/metrics"
	"github.com/nugget/toolbridge/internal/recovery"
	"github.com/nugget/toolbridge/internal/usage"
)

// defaultCacheAge bounds how stale a cached fallback result may be.
const defaultCacheAge = 10 * time.Minute

// ErrSessionClosed is reported for calls made after Close.
var ErrSessionClosed = errors.New("bridge session is closed")

// Caller is the slice of the client a bridge drives. *client.Client
// implements it.
type Caller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context, server string) ([]mcp.ToolDefinition, error)
	ConnectServer(ctx context.Context, server string) error
	DisconnectServer(ctx context.Context, server string) error
	Authorize(agent, server string) error
	ToolsForAgent(agent string) map[string][]string
	Descriptor(server string) (config.ServerDescriptor, bool)
	Go(name string, fn func() error) error
}

// UsageSink persists session records. *usage.Store implements it.
type UsageSink interface {
	Record(ctx context.Context, rec usage.Record) error
	RecordSession(ctx context.Context, sess usage.Session) error
}

// Options configure a [Bridge]. Every field is optional.
type Options struct {
	Config  config.BridgeConfig
	Audit   audit.Log
	Usage   UsageSink
	Metrics *metrics.Collector
	Events  *events.Bus

	// Recovery handles calls that still fail after retry. When nil a
	// default engine is built from Config, sharing Cache.
	Recovery *recovery.Engine
	Cache    *recovery.FallbackCache

	Clock  clock.Clock
	Logger *slog.Logger
}

// Result is the uniform outcome of a bridge operation.
type Result struct {
	Success      bool                `json:"success"`
	Result       *mcp.CallToolResult `json:"result"`
	Error        string              `json:"error,omitempty"`
	Metadata     Metadata            `json:"metadata"`
	RecoveryInfo *recovery.Outcome   `json:"recovery_info,omitempty"`
}

// Text returns the text of the result payload, or "" when there is none.
func (r Result) Text() string {
	return r.Result.Text()
}

// Metadata describes how a call was carried out.
type Metadata struct {
	Agent     string        `json:"agent"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	SessionID string        `json:"session_id"`
	Attempts  int           `json:"attempts"`
	Latency   time.Duration `json:"latency"`
	Category  string        `json:"category,omitempty"`
	Denied    bool          `json:"denied,omitempty"`
}

// Bridge is an agent-scoped view of the client.
type Bridge struct {
	client Caller
	agent  string
	opts   Options
	clock  clock.Clock
	engine *recovery.Engine
	cache  *recovery.FallbackCache
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
	closed  bool
}

// New binds a bridge to agent. The session starts immediately.
func New(c Caller, agent string, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.Or(opts.Clock)
	cache := opts.Cache
	if cache == nil {
		cache = recovery.NewFallbackCache(defaultCacheAge, clk)
	}

	b := &Bridge{
		client:  c,
		agent:   agent,
		opts:    opts,
		clock:   clk,
		cache:   cache,
		session: newSession(agent, clk.Now()),
	}
	b.logger = logger.With("agent", agent, "session_id", b.session.ID)

	b.engine = opts.Recovery
	if b.engine == nil {
		b.engine = defaultEngine(opts, cache, clk, logger)
	}
	return b
}

func defaultEngine(opts Options, cache *recovery.FallbackCache, clk clock.Clock, logger *slog.Logger) *recovery.Engine {
	cfg := opts.Config
	retry := recovery.Backoff{Attempts: cfg.RecoveryAttempts, Delay: time.Duration(cfg.RetryDelay), Clock: clk}
	rate := recovery.Backoff{Attempts: cfg.RecoveryAttempts, Delay: time.Duration(cfg.RateLimitDelay), Clock: clk}

	eo := recovery.EngineOptions{Audit: opts.Audit, Events: opts.Events, Logger: logger}
	if opts.Metrics != nil {
		eo.Metrics = opts.Metrics
	}
	return recovery.NewEngine(eo, recovery.DefaultStrategies(cache, retry, rate)...)
}

// Agent returns the identity the bridge acts for.
func (b *Bridge) Agent() string { return b.agent }

// CallTool invokes tool on server on behalf of the bridge's agent.
func (b *Bridge) CallTool(ctx context.Context, server, tool string, args map[string]any) Result {
	start := time.Now()
	meta := Metadata{Agent: b.agent, Server: server, Tool: tool, SessionID: b.session.ID}

	if b.isClosed() {
		return Result{Error: ErrSessionClosed.Error(), Metadata: meta}
	}
	if err := b.client.Authorize(b.agent, server); err != nil {
		return b.deny(ctx, meta, err)
	}
	b.session.decide(server, true, b.clock.Now())

	log := b.logger.With("mcp_server", server, "tool", tool)
	b.opts.Events.Emit(events.SourceBridge, events.KindToolCall, map[string]any{
		"agent":  b.agent,
		"server": server,
		"tool":   tool,
	})

	res, attempts, err := b.callWithRetry(ctx, server, tool, args)
	meta.Attempts = attempts

	out := Result{Result: res, Metadata: meta}
	failure := callFailure(res, err)
	if failure == nil {
		b.cache.Store(server, tool, args, res)
		out.Success = true
	} else {
		class := classify(res, err)
		out.Metadata.Category = string(class.Category)
		log.Debug("tool call failed, starting recovery",
			"category", class.Category, "severity", class.Severity, "attempts", attempts, "error", failure)

		outcome := b.engine.Recover(ctx, &recovery.Incident{
			Agent:      b.agent,
			Server:     server,
			Tool:       tool,
			Args:       args,
			Err:        failure,
			Class:      class,
			Alternates: b.alternates(server),
			Call:       b.callOn(tool, args),
			Reconnect:  b.reconnect,
		})
		out.RecoveryInfo = &outcome
		if outcome.Recovered {
			out.Success = true
			out.Result = outcome.Result
			if outcome.Server != "" {
				out.Metadata.Server = outcome.Server
			}
		} else {
			out.Error = failure.Error()
		}
	}
	out.Metadata.Latency = time.Since(start)

	b.session.record(usage.Record{
		Timestamp: b.clock.Now(),
		SessionID: b.session.ID,
		Agent:     b.agent,
		Server:    server,
		Tool:      tool,
		Latency:   out.Metadata.Latency,
		Success:   out.Success,
		Attempts:  attempts,
		Recovered: out.RecoveryInfo != nil && out.RecoveryInfo.Recovered,
		Error:     out.Error,
	})
	b.opts.Events.Emit(events.SourceBridge, events.KindToolDone, map[string]any{
		"agent":   b.agent,
		"server":  server,
		"tool":    tool,
		"success": out.Success,
		"latency": out.Metadata.Latency.String(),
	})
	log.Debug("tool call finished", "success", out.Success, "attempts", attempts, "latency", out.Metadata.Latency)
	return out
}

// deny records a refused call. No request reaches the server.
func (b *Bridge) deny(ctx context.Context, meta Metadata, err error) Result {
	meta.Denied = true
	meta.Category = string(recovery.CategoryPermission)
	b.session.decide(meta.Server, false, b.clock.Now())
	b.logger.Warn("tool call denied", "mcp_server", meta.Server, "tool", meta.Tool)

	if b.opts.Audit != nil {
		entry := audit.Entry{
			Kind:     audit.KindPermissionDenied,
			Agent:    b.agent,
			Server:   meta.Server,
			Tool:     meta.Tool,
			Category: string(recovery.CategoryPermission),
			Severity: recovery.SeverityHigh.String(),
			Message:  err.Error(),
		}
		if aerr := b.opts.Audit.Append(context.WithoutCancel(ctx), entry); aerr != nil {
			b.logger.Error("audit append failed", "kind", entry.Kind, "error", aerr)
		}
	}
	b.opts.Metrics.RecordDenial(b.agent, meta.Server)
	b.opts.Events.Emit(events.SourceBridge, events.KindPermissionDenied, map[string]any{
		"agent":  b.agent,
		"server": meta.Server,
		"tool":   meta.Tool,
	})
	return Result{Error: err.Error(), Metadata: meta}
}

// callWithRetry repeats a call whose failure is retryable, doubling the
// delay between attempts. This retries the call; reconnecting is the
// connection's own business.
func (b *Bridge) callWithRetry(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, int, error) {
	attempts := max(b.opts.Config.RetryAttempts, 1)
	delay := time.Duration(b.opts.Config.RetryDelay)

	var (
		res *mcp.CallToolResult
		err error
	)
	for i := range attempts {
		if i > 0 {
			if !clock.Sleep(ctx, b.clock, delay) {
				return res, i, err
			}
			delay *= 2
		}
		res, err = b.client.CallTool(ctx, server, tool, args)
		if err == nil || !recovery.Classify(err).Retryable() {
			return res, i + 1, err
		}
		b.logger.Debug("retrying tool call", "mcp_server", server, "tool", tool, "attempt", i+1, "error", err)
	}
	return res, attempts, err
}

// callOn returns the recovery engine's way of repeating this call,
// possibly on a substitute server the agent must also be allowed to use.
func (b *Bridge) callOn(tool string, args map[string]any) recovery.CallFunc {
	return func(ctx context.Context, server string) (*mcp.CallToolResult, error) {
		if err := b.client.Authorize(b.agent, server); err != nil {
			return nil, err
		}
		return b.client.CallTool(ctx, server, tool, args)
	}
}

func (b *Bridge) reconnect(ctx context.Context, server string) error {
	if err := b.client.DisconnectServer(ctx, server); err != nil {
		b.logger.Debug("disconnect before reconnect failed", "mcp_server", server, "error", err)
	}
	return b.client.ConnectServer(ctx, server)
}

func (b *Bridge) alternates(server string) []string {
	desc, ok := b.client.Descriptor(server)
	if !ok {
		return nil
	}
	return desc.Alternates
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// callFailure turns a failed call or an isError result into an error.
func callFailure(res *mcp.CallToolResult, err error) error {
	if err != nil {
		return err
	}
	if res != nil && res.IsError {
		if text := res.Text(); text != "" {
			return errors.New(text)
		}
		return errors.New("tool reported an error")
	}
	return nil
}

func classify(res *mcp.CallToolResult, err error) recovery.Classification {
	if err != nil {
		return recovery.Classify(err)
	}
	return recovery.ClassifyMessage(res.Text())
}

// Close ends the session and flushes it to the configured sinks on the
// client's worker pool. Calls made after Close fail. A second Close
// returns the same summary without flushing again.
func (b *Bridge) Close(ctx context.Context) Summary {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.session.Summary()
	}
	b.closed = true
	b.mu.Unlock()

	b.session.end(b.clock.Now())
	snap := b.session.snapshot()
	sum := snap.Summary()

	flush := func() error { return b.flush(context.WithoutCancel(ctx), snap, sum) }
	if err := b.client.Go("bridge-flush", flush); err != nil {
		// The pool is gone; flush on the caller's goroutine instead.
		if ferr := flush(); ferr != nil {
			b.logger.Warn("session flush failed", "error", ferr)
		}
	}
	b.logger.Info("bridge session closed",
		"calls", sum.TotalCalls, "success_rate", fmt.Sprintf("%.2f", sum.SuccessRate), "denied", sum.Denied)
	return sum
}

func (b *Bridge) flush(ctx context.Context, snap *Session, sum Summary) error {
	for _, rec := range snap.Records {
		b.opts.Metrics.RecordToolCall(rec.Server, rec.Tool, rec.Agent, rec.Success, rec.Latency)
	}
	b.opts.Metrics.RecordSession(b.agent, sum.TotalCalls)

	if b.opts.Usage == nil {
		return nil
	}
	var errs []error
	for _, rec := range snap.Records {
		if err := b.opts.Usage.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	err := b.opts.Usage.RecordSession(ctx, usage.Session{
		ID:         snap.ID,
		Agent:      snap.Agent,
		StartedAt:  snap.StartedAt,
		EndedAt:    snap.EndedAt,
		TotalCalls: sum.TotalCalls,
		Successful: sum.Successful,
		Denied:     sum.Denied,
		AvgLatency: sum.AvgLatency,
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
