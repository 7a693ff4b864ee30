// Package client owns the set of tool server connections described by a
// registry. Connections are created lazily on first use and cached by
// server name; callers address servers by name only.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
)

const tracerName = "github.com/nugget/toolbridge/internal/client"

// DefaultWorkers bounds the side-task pool when Options.Workers is zero.
const DefaultWorkers = 4

// ErrUnknownServer is returned for a server name absent from the registry.
var ErrUnknownServer = errors.New("unknown server")

// ErrClosed is returned by operations issued after Shutdown.
var ErrClosed = errors.New("client is shut down")

// PermissionError reports that an agent may not use a server.
type PermissionError struct {
	Agent  string
	Server string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: agent %s may not use server %s", e.Agent, e.Server)
}

// Options are the collaborators of a [Client]. Every field is optional.
type Options struct {
	// Launcher starts server transports. Defaults to [mcp.LaunchStdio].
	Launcher mcp.Launcher
	Clock    clock.Clock
	Lookup   config.LookupFunc
	Events   *events.Bus

	// TracerProvider supplies the tracer for tool-call spans. Defaults
	// to the global provider.
	TracerProvider trace.TracerProvider

	// Workers bounds concurrent side tasks started with [Client.Go].
	Workers int

	Logger *slog.Logger
}

// Usage is the running call tally for one server.
type Usage struct {
	Calls        int           `json:"calls"`
	Errors       int           `json:"errors"`
	TotalLatency time.Duration `json:"total_latency"`
	LastUsed     time.Time     `json:"last_used,omitempty"`
}

// AvgLatency returns the mean call latency, or zero with no calls.
func (u Usage) AvgLatency() time.Duration {
	if u.Calls == 0 {
		return 0
	}
	return u.TotalLatency / time.Duration(u.Calls)
}

// Client is the multi-server orchestration layer.
type Client struct {
	reg    *config.Registry
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*mcp.Connection
	usage  map[string]*Usage
	closed bool

	// goMu keeps Go from adding tasks once Shutdown has begun waiting.
	goMu     sync.RWMutex
	goClosed bool
	workers  errgroup.Group
}

// New creates a client for the servers in reg. No processes are
// started until a server is first used.
func New(reg *config.Registry, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	c := &Client{
		reg:    reg,
		opts:   opts,
		tracer: tp.Tracer(tracerName),
		logger: logger,
		conns:  make(map[string]*mcp.Connection),
		usage:  make(map[string]*Usage),
	}
	c.workers.SetLimit(workers)
	return c
}

// connection returns the cached connection for server, creating it on
// first use.
func (c *Client) connection(server string) (*mcp.Connection, error) {
	desc, ok := c.reg.Server(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if conn, ok := c.conns[server]; ok {
		return conn, nil
	}
	conn := mcp.NewConnection(desc, mcp.ConnectionOptions{
		Launcher: c.opts.Launcher,
		Clock:    c.opts.Clock,
		Lookup:   c.opts.Lookup,
		Events:   c.opts.Events,
		Logger:   c.logger,
	})
	c.conns[server] = conn
	return conn, nil
}

// ensure returns a ready connection for server.
func (c *Client) ensure(ctx context.Context, server string) (*mcp.Connection, error) {
	conn, err := c.connection(server)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", server, err)
	}
	return conn, nil
}

// ConnectServer establishes the connection to server. Calling it while
// already connected is a no-op.
func (c *Client) ConnectServer(ctx context.Context, server string) error {
	_, err := c.ensure(ctx, server)
	return err
}

// DisconnectServer closes the connection to server, if one exists.
func (c *Client) DisconnectServer(ctx context.Context, server string) error {
	if _, ok := c.reg.Server(server); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	c.mu.Lock()
	conn := c.conns[server]
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

// ListTools returns the tools advertised by server, connecting first if
// needed.
func (c *Client) ListTools(ctx context.Context, server string) ([]mcp.ToolDefinition, error) {
	conn, err := c.ensure(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

// CallTool invokes tool on server. Each call is traced as a span and
// counted in the server's usage tally.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	ctx, span := c.tracer.Start(ctx, "mcp.call_tool", trace.WithAttributes(
		attribute.String("mcp.server", server),
		attribute.String("mcp.tool", tool),
	))
	defer span.End()

	start := time.Now()
	result, err := c.callTool(ctx, server, tool, args)
	if !errors.Is(err, ErrUnknownServer) {
		c.recordUsage(server, time.Since(start), err)
	}

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.IsError:
		span.SetAttributes(attribute.Bool("mcp.is_error", true))
		span.SetStatus(codes.Error, "tool reported an error")
	default:
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

func (c *Client) callTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, err := c.ensure(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, tool, args)
}

// Request sends a custom protocol request to server and returns the raw
// result.
func (c *Client) Request(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	conn, err := c.ensure(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.Request(ctx, method, params)
}

// Notify sends a custom protocol notification to server.
func (c *Client) Notify(ctx context.Context, server, method string, params any) error {
	conn, err := c.ensure(ctx, server)
	if err != nil {
		return err
	}
	return conn.Notify(ctx, method, params)
}

// Ping checks that server answers. It connects first if needed.
func (c *Client) Ping(ctx context.Context, server string) error {
	conn, err := c.ensure(ctx, server)
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// InvalidateTools drops the cached tool list of server, if connected.
func (c *Client) InvalidateTools(server string) {
	c.mu.Lock()
	conn := c.conns[server]
	c.mu.Unlock()
	if conn != nil {
		conn.InvalidateTools()
	}
}

func (c *Client) recordUsage(server string, d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage[server]
	if u == nil {
		u = &Usage{}
		c.usage[server] = u
	}
	u.Calls++
	u.TotalLatency += d
	u.LastUsed = time.Now()
	if err != nil {
		u.Errors++
	}
}

// Usage returns the call tally for server.
func (c *Client) Usage(server string) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.usage[server]; u != nil {
		return *u
	}
	return Usage{}
}

// CheckAgentPermissions reports whether agent may use server according
// to the agent permission map. Unknown servers are never permitted.
func (c *Client) CheckAgentPermissions(agent, server string) bool {
	if _, ok := c.reg.Server(server); !ok {
		return false
	}
	return c.reg.Agents().Allows(agent, server)
}

// Authorize returns a [*PermissionError] if agent may not use server.
func (c *Client) Authorize(agent, server string) error {
	if !c.CheckAgentPermissions(agent, server) {
		return &PermissionError{Agent: agent, Server: server}
	}
	return nil
}

// ToolsForAgent returns the servers agent may use, each mapped to the
// permissions that server declares. A server that lists associated
// agents is included only if agent is among them.
func (c *Client) ToolsForAgent(agent string) map[string][]string {
	out := make(map[string][]string)
	for _, name := range c.reg.Names() {
		if !c.reg.Agents().Allows(agent, name) {
			continue
		}
		desc, _ := c.reg.Server(name)
		if len(desc.Agents) > 0 && !slices.Contains(desc.Agents, agent) {
			continue
		}
		out[name] = desc.Permissions
	}
	return out
}

// ServerFeatures returns the feature tags declared by server.
func (c *Client) ServerFeatures(server string) ([]string, error) {
	desc, ok := c.reg.Server(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return desc.Features, nil
}

// Servers returns every configured server name, sorted.
func (c *Client) Servers() []string {
	return c.reg.Names()
}

// Descriptor returns a copy of the descriptor for server.
func (c *Client) Descriptor(server string) (config.ServerDescriptor, bool) {
	return c.reg.Server(server)
}

// Status describes one server for metadata queries.
type Status struct {
	Name        string               `json:"name"`
	Command     string               `json:"command"`
	Features    []string             `json:"features,omitempty"`
	Permissions []string             `json:"permissions,omitempty"`
	State       mcp.State            `json:"state"`
	Connection  *mcp.ConnectionStats `json:"connection,omitempty"`
	Usage       Usage                `json:"usage"`
}

// ServerStatus reports the configuration, connection state, and usage
// of server without connecting to it.
func (c *Client) ServerStatus(server string) (Status, error) {
	desc, ok := c.reg.Server(server)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	st := Status{
		Name:        desc.Name,
		Command:     desc.Command,
		Features:    desc.Features,
		Permissions: desc.Permissions,
		State:       mcp.StateDisconnected,
		Usage:       c.Usage(server),
	}

	c.mu.Lock()
	conn := c.conns[server]
	c.mu.Unlock()
	if conn != nil {
		stats := conn.Stats()
		st.State = stats.State
		st.Connection = &stats
	}
	return st, nil
}

// Go runs fn on the client's bounded worker pool. It blocks while the
// pool is full. Errors are logged; Shutdown waits for every task.
func (c *Client) Go(name string, fn func() error) error {
	c.goMu.RLock()
	defer c.goMu.RUnlock()
	if c.goClosed {
		return ErrClosed
	}
	c.workers.Go(func() error {
		if err := fn(); err != nil {
			c.logger.Warn("background task failed", "task", name, "error", err)
			return err
		}
		return nil
	})
	return nil
}

// Shutdown disconnects every connection concurrently, tolerating
// individual failures, then waits for background tasks. The returned
// error joins whatever failed.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*mcp.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.Disconnect(ctx); err != nil {
				c.logger.Warn("disconnect failed during shutdown",
					"mcp_server", conn.Name(), "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("disconnect %s: %w", conn.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	c.goMu.Lock()
	c.goClosed = true
	c.goMu.Unlock()
	if err := c.workers.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("background tasks: %w", err))
	}
	c.opts.Events.Emit(events.SourceClient, events.KindStateChange, map[string]any{
		"to":          "shutdown",
		"connections": len(conns),
	})
	c.logger.Info("client shut down", "connections", len(conns))
	return errors.Join(errs...)
}
