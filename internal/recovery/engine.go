package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
)

// CallFunc re-issues the failed call against server, which may differ
// from the original when a strategy substitutes an alternate.
type CallFunc func(ctx context.Context, server string) (*mcp.CallToolResult, error)

// ReconnectFunc tears down and re-establishes the connection to server.
type ReconnectFunc func(ctx context.Context, server string) error

// Incident describes one failed tool call handed to the engine.
type Incident struct {
	Agent  string
	Server string
	Tool   string
	Args   map[string]any
	Err    error
	Class  Classification

	// Alternates are servers that may stand in for Server.
	Alternates []string

	Call      CallFunc
	Reconnect ReconnectFunc
}

// Attempt records one strategy run.
type Attempt struct {
	Strategy  string        `json:"strategy"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
	Waited    time.Duration `json:"waited,omitempty"`
	Retries   int           `json:"retries,omitempty"`
}

// Outcome is the engine's answer for an incident. It is never an error:
// a failure nothing could fix sets ManualIntervention.
type Outcome struct {
	Recovered          bool                `json:"recovered"`
	Strategy           string              `json:"strategy,omitempty"`
	Result             *mcp.CallToolResult `json:"-"`
	Server             string              `json:"server,omitempty"`
	Degraded           bool                `json:"degraded,omitempty"`
	Stale              bool                `json:"stale,omitempty"`
	Attempts           []Attempt           `json:"attempts,omitempty"`
	ManualIntervention bool                `json:"manual_intervention,omitempty"`
	Message            string              `json:"message,omitempty"`
}

// Resolution is what a strategy returns when it fixed the incident.
type Resolution struct {
	Result   *mcp.CallToolResult
	Server   string
	Degraded bool
	Stale    bool
}

// Report carries per-run details a strategy wants recorded whether or
// not it succeeded.
type Report struct {
	Waited  time.Duration
	Retries int
}

// Strategy is one way of recovering from a class of failures.
type Strategy interface {
	// Name identifies the strategy in audit entries and results.
	Name() string
	// Handles reports whether the strategy applies to category.
	Handles(category Category) bool
	// Threshold is the minimum severity the strategy runs at.
	Threshold() Severity
	// Recover tries to fix inc. The report is recorded either way.
	Recover(ctx context.Context, inc *Incident, report *Report) (*Resolution, error)
}

// RecoveryRecorder receives one sample per strategy attempt.
// *metrics.Collector implements it.
type RecoveryRecorder interface {
	RecordRecovery(category, strategy string, ok bool)
}

// EngineOptions configure an [Engine]. Every field is optional.
type EngineOptions struct {
	Audit   audit.Log
	Events  *events.Bus
	Metrics RecoveryRecorder
	Logger  *slog.Logger
}

// Engine selects and runs recovery strategies.
type Engine struct {
	opts   EngineOptions
	logger *slog.Logger

	mu         sync.RWMutex
	strategies []Strategy
}

// NewEngine returns an engine with the given strategies registered.
func NewEngine(opts EngineOptions, strategies ...Strategy) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{opts: opts, logger: logger.With("component", "recovery")}
	for _, s := range strategies {
		e.Register(s)
	}
	return e
}

// Register adds a strategy.
func (e *Engine) Register(s Strategy) {
	e.mu.Lock()
	e.strategies = append(e.strategies, s)
	e.mu.Unlock()
}

// Candidates returns the strategies that apply to c, lowest threshold
// first. Strategies with equal thresholds keep registration order.
func (e *Engine) Candidates(c Classification) []Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Strategy
	for _, s := range e.strategies {
		if s.Handles(c.Category) && c.Severity >= s.Threshold() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Threshold() < out[j].Threshold()
	})
	return out
}

// Recover runs the applicable strategies for inc until one succeeds.
// Each attempt is audited, followed by one error entry summarizing the
// incident.
func (e *Engine) Recover(ctx context.Context, inc *Incident) Outcome {
	if inc.Class.Category == "" {
		inc.Class = Classify(inc.Err)
	}
	log := e.logger.With(
		"mcp_server", inc.Server,
		"tool", inc.Tool,
		"category", inc.Class.Category,
		"severity", inc.Class.Severity,
	)

	candidates := e.Candidates(inc.Class)
	out := Outcome{}
	for _, s := range candidates {
		if ctx.Err() != nil {
			break
		}
		var report Report
		res, err := s.Recover(ctx, inc, &report)
		ok := err == nil && res != nil

		att := Attempt{
			Strategy:  s.Name(),
			Succeeded: ok,
			Waited:    report.Waited,
			Retries:   report.Retries,
		}
		if err != nil {
			att.Error = err.Error()
		}
		out.Attempts = append(out.Attempts, att)
		e.recordAttempt(ctx, inc, att)

		if ok {
			log.Info("recovered tool call", "strategy", s.Name(),
				"waited", report.Waited, "retries", report.Retries)
			out.Recovered = true
			out.Strategy = s.Name()
			out.Result = res.Result
			out.Server = res.Server
			out.Degraded = res.Degraded
			out.Stale = res.Stale
			break
		}
		log.Debug("recovery strategy failed", "strategy", s.Name(), "error", err)
	}

	if !out.Recovered {
		out.ManualIntervention = true
		switch {
		case len(candidates) == 0:
			out.Message = fmt.Sprintf("no recovery strategy for %s errors; manual intervention recommended", inc.Class.Category)
		case len(out.Attempts) == 0:
			out.Message = fmt.Sprintf("recovery abandoned: %v", context.Cause(ctx))
		default:
			out.Message = fmt.Sprintf("all %d recovery strategies failed; manual intervention recommended", len(out.Attempts))
		}
		log.Warn("tool call not recovered", "attempts", len(out.Attempts), "error", inc.Err)
	}

	e.append(ctx, audit.Entry{
		Kind:              audit.KindError,
		Agent:             inc.Agent,
		Server:            inc.Server,
		Tool:              inc.Tool,
		Category:          string(inc.Class.Category),
		Severity:          inc.Class.Severity.String(),
		Message:           inc.Class.Message,
		Strategy:          out.Strategy,
		RecoveryAttempted: len(out.Attempts) > 0,
		RecoverySucceeded: out.Recovered,
	})
	return out
}

func (e *Engine) recordAttempt(ctx context.Context, inc *Incident, att Attempt) {
	msg := att.Error
	if att.Succeeded {
		msg = "recovered"
	}
	e.append(ctx, audit.Entry{
		Kind:              audit.KindRecovery,
		Agent:             inc.Agent,
		Server:            inc.Server,
		Tool:              inc.Tool,
		Category:          string(inc.Class.Category),
		Severity:          inc.Class.Severity.String(),
		Message:           msg,
		Strategy:          att.Strategy,
		RecoveryAttempted: true,
		RecoverySucceeded: att.Succeeded,
	})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordRecovery(string(inc.Class.Category), att.Strategy, att.Succeeded)
	}
	e.opts.Events.Emit(events.SourceRecovery, events.KindRecoveryAttempt, map[string]any{
		"server":   inc.Server,
		"category": string(inc.Class.Category),
		"strategy": att.Strategy,
		"ok":       att.Succeeded,
	})
}

func (e *Engine) append(ctx context.Context, entry audit.Entry) {
	if e.opts.Audit == nil {
		return
	}
	// The trail must outlive a cancelled call.
	if err := e.opts.Audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("audit append failed", "kind", entry.Kind, "error", err)
	}
}

// sleep waits on clk, returning ctx's error if it is cancelled first.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if !clock.Sleep(ctx, clk, d) {
		return ctx.Err()
	}
	return nil
}
