// Package healthcheck runs advisory background probes against tool
// servers. A Checker records the outcome of each probe and fires
// transition callbacks, but it never tears down or reconnects the thing
// it probes: connection state belongs to the connection alone.
//
// Failures of a server that stays down are logged through a
// [rate.Sometimes] throttle so a dead process does not flood the log at
// every interval.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProbeFunc checks whether a service is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Defaults for zero-valued [Config] fields.
const (
	DefaultInterval        = 60 * time.Second
	DefaultProbeTimeout    = 10 * time.Second
	DefaultLogEveryFailure = 5 * time.Minute
)

// Config configures a single checker.
type Config struct {
	// Name identifies the probed service in logs and status.
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval is the time between probes (default 60s).
	Interval time.Duration

	// ProbeTimeout limits each probe call (default 10s).
	ProbeTimeout time.Duration

	// LogInterval bounds how often repeated failures of a service that
	// is already down are logged at warn level (default 5m).
	LogInterval time.Duration

	// OnDown is called when the service transitions from healthy to
	// failing. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// OnRecover is called when a failing service starts answering
	// again. Called in a separate goroutine. Optional.
	OnRecover func()

	// OnResult is called synchronously after every probe. Optional.
	OnResult func(err error, latency time.Duration)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a JSON-friendly snapshot of a checker.
type Status struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	Checks              int64         `json:"checks"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheck           time.Time     `json:"last_check"`
	LastLatency         time.Duration `json:"last_latency"`
	LastError           string        `json:"last_error,omitempty"`
}

// Checker probes one service on a fixed interval until stopped.
type Checker struct {
	config   Config
	logger   *slog.Logger
	throttle rate.Sometimes
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status Status
}

// Start launches a checker goroutine. The first probe runs after one
// interval, so a freshly connected server is not pinged immediately.
// Panics if Name is empty or Probe is nil.
func Start(ctx context.Context, cfg Config) *Checker {
	if cfg.Name == "" {
		panic("healthcheck: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("healthcheck: Config.Probe must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultLogEveryFailure
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Checker{
		config:   cfg,
		logger:   logger,
		throttle: rate.Sometimes{Interval: cfg.LogInterval},
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: cfg.Name, Healthy: true},
	}
	go c.run(runCtx)
	return c
}

// Stop cancels the checker and waits for its goroutine to exit. Safe to
// call more than once and on a nil receiver.
func (c *Checker) Stop() {
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Status returns the current health snapshot.
func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Healthy reports whether the most recent probe succeeded. A checker
// that has not probed yet reports healthy.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Healthy
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNow(ctx)
		}
	}
}

// CheckNow runs one probe immediately and records the result.
func (c *Checker) CheckNow(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := c.config.Probe(probeCtx)
	latency := time.Since(start)

	if ctx.Err() != nil {
		// Stopped mid-probe; the result says nothing about the service.
		return err
	}

	c.mu.Lock()
	wasHealthy := c.status.Healthy
	c.status.Checks++
	c.status.LastCheck = time.Now()
	c.status.LastLatency = latency
	if err != nil {
		c.status.Healthy = false
		c.status.ConsecutiveFailures++
		c.status.LastError = err.Error()
	} else {
		c.status.Healthy = true
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
	}
	failures := c.status.ConsecutiveFailures
	c.mu.Unlock()

	switch {
	case wasHealthy && err != nil:
		c.logger.Warn("health check failed",
			"service", c.config.Name,
			"error", err,
		)
		if c.config.OnDown != nil {
			go c.config.OnDown(err)
		}
	case !wasHealthy && err == nil:
		c.logger.Info("health check recovered",
			"service", c.config.Name,
			"latency", latency,
		)
		if c.config.OnRecover != nil {
			go c.config.OnRecover()
		}
	case err != nil:
		c.throttle.Do(func() {
			c.logger.Warn("health check still failing",
				"service", c.config.Name,
				"consecutive_failures", failures,
				"error", err,
			)
		})
	default:
		c.logger.Debug("health check ok",
			"service", c.config.Name,
			"latency", latency,
		)
	}

	if c.config.OnResult != nil {
		c.config.OnResult(err, latency)
	}
	return err
}
