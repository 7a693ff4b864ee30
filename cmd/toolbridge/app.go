package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/client"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/metrics"
	"github.com/nugget/toolbridge/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app is the wired runtime shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	client  *client.Client
	metrics *metrics.Collector

	// registry holds only this process's collector. A one-shot command
	// has nothing to scrape it, so it is written to metricsFile on close
	// when one is requested.
	registry    *prometheus.Registry
	metricsFile string

	auditDB *sql.DB
	audit   *audit.Store
	usage   *usage.Store

	stopObserve context.CancelFunc
}

// openApp loads configuration and builds the client stack. Stores are
// opened only when their paths are configured.
func openApp(cmd *cobra.Command, d deps) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	format, _ := cmd.Flags().GetString("log-format")
	logger, err := config.NewLogger(cmd.ErrOrStderr(), level, format)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", path)

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	metricsFile, _ := cmd.Flags().GetString("metrics-file")
	a := &app{
		cfg:         cfg,
		logger:      logger,
		bus:         events.New(),
		registry:    prometheus.NewRegistry(),
		metricsFile: metricsFile,
	}
	a.metrics = metrics.NewCollector("toolbridge", a.registry, logger)
	a.client = client.New(reg, client.Options{
		Launcher: d.launcher,
		Events:   a.bus,
		Logger:   logger,
	})

	obsCtx, cancel := context.WithCancel(cmd.Context())
	a.stopObserve = cancel
	go a.metrics.Observe(obsCtx, a.bus)

	if err := a.openStores(); err != nil {
		a.close(cmd.Context())
		return nil, err
	}
	return a, nil
}

func (a *app) openStores() error {
	if p := a.cfg.Audit.Path; p != "" {
		if err := ensureDir(p); err != nil {
			return err
		}
		db, err := sql.Open("sqlite3", p+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		a.auditDB = db
		if a.audit, err = audit.NewStore(db); err != nil {
			return err
		}
	}
	if p := a.cfg.Usage.Path; p != "" {
		if err := ensureDir(p); err != nil {
			return err
		}
		store, err := usage.NewStore(p)
		if err != nil {
			return err
		}
		a.usage = store
	}
	return nil
}

func ensureDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

// auditLog returns the audit store as a [audit.Log], or nil when none
// is configured.
func (a *app) auditLog() audit.Log {
	if a.audit == nil {
		return nil
	}
	return a.audit
}

// bridge binds a bridge session for agent to the app's sinks.
func (a *app) bridge(agent string) *bridge.Bridge {
	opts := bridge.Options{
		Config:  a.cfg.Bridge,
		Audit:   a.auditLog(),
		Metrics: a.metrics,
		Events:  a.bus,
		Logger:  a.logger,
	}
	if a.usage != nil {
		opts.Usage = a.usage
	}
	return bridge.New(a.client, agent, opts)
}

// close shuts the client down, which also drains pending session
// flushes, and then closes the stores.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.client != nil {
		if err := a.client.Shutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopObserve != nil {
		a.stopObserve()
	}
	if a.metricsFile != "" {
		if err := a.writeMetrics(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.auditDB != nil {
		if err := a.auditDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeMetrics dumps the registry in the Prometheus text format, e.g.
// for the node_exporter textfile collector.
func (a *app) writeMetrics() error {
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	f, err := os.Create(a.metricsFile)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return f.Close()
}

// withApp opens the app, runs fn, and always closes it.
func withApp(cmd *cobra.Command, d deps, fn func(a *app) error) error {
	a, err := openApp(cmd, d)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(cmd.Context()); cerr != nil {
			a.logger.Warn("shutdown reported errors", "error", cerr)
		}
	}()
	return fn(a)
}
