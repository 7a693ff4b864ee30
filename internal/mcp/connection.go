package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/healthcheck"
)

// State is a connection lifecycle state.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateCircuitOpen  State = "circuit-open"
)

// Notification and request methods handled by the connection itself.
const (
	methodInitialize       = "initialize"
	methodInitialized      = "notifications/initialized"
	methodPing             = "ping"
	methodToolsList        = "tools/list"
	methodToolsCall        = "tools/call"
	methodToolsListChanged = "notifications/tools/list_changed"
)

// ConnectionOptions are the collaborators of a [Connection]. Every field
// is optional.
type ConnectionOptions struct {
	// Launcher starts the transport. Defaults to [LaunchStdio].
	Launcher Launcher

	// Clock drives backoff sleeps, breaker cool-downs, and tools-cache
	// expiry. Request timeouts always use real time.
	Clock clock.Clock

	// Lookup resolves ${VAR} placeholders. Defaults to os.LookupEnv.
	Lookup config.LookupFunc

	// Events receives state changes and health results.
	Events *events.Bus

	Logger *slog.Logger
}

// Connection is the session with one tool server. It owns the
// transport, the pending-request map, the tools cache, and the circuit
// breaker; none of these are shared with other connections.
type Connection struct {
	desc   config.ServerDescriptor
	launch Launcher
	clock  clock.Clock
	lookup config.LookupFunc
	bus    *events.Bus
	logger *slog.Logger

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	mu          sync.Mutex
	state       State
	transport   Transport
	stopRead    context.CancelFunc
	health      *healthcheck.Checker
	serverInfo  ServerInfo
	protocol    string
	connectedAt time.Time

	sem     *semaphore.Weighted
	inUse   atomic.Int64
	nextID  atomic.Int64
	pending pendingSet
	breaker *breaker

	toolsMu     sync.Mutex
	tools       []ToolDefinition
	toolsAt     time.Time
	toolsFlight singleflight.Group
}

// NewConnection creates a disconnected connection for desc. Zero-valued
// tuning fields in desc are filled with the built-in defaults.
func NewConnection(desc config.ServerDescriptor, opts ConnectionOptions) *Connection {
	desc = desc.Clone().WithDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launch := opts.Launcher
	if launch == nil {
		launch = LaunchStdio
	}
	c := &Connection{
		desc:    desc,
		launch:  launch,
		clock:   clock.Or(opts.Clock),
		lookup:  opts.Lookup,
		bus:     opts.Events,
		logger:  logger.With("mcp_server", desc.Name),
		state:   StateDisconnected,
		sem:     semaphore.NewWeighted(int64(desc.MaxConcurrentRequests)),
		breaker: newBreaker(desc.CircuitThreshold, desc.CircuitCooldown, opts.Clock),
	}
	return c
}

// Name returns the server name.
func (c *Connection) Name() string { return c.desc.Name }

// Descriptor returns a copy of the server descriptor.
func (c *Connection) Descriptor() config.ServerDescriptor { return c.desc.Clone() }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the session: spawn, handshake, then ready. It is
// a no-op when already ready. Failed attempts are retried with
// exponential backoff up to the descriptor's retry count; each failure
// counts against the circuit breaker, and while the breaker is open
// Connect fails immediately with a [*CircuitOpenError] without
// spawning anything.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State() == StateReady {
		return nil
	}

	until, ok, reset := c.breaker.allow()
	if !ok {
		c.setState(StateCircuitOpen)
		return &CircuitOpenError{Server: c.desc.Name, Until: until}
	}
	if reset {
		c.logger.Info("circuit breaker cool-down elapsed, retrying")
		c.setState(StateDisconnected)
	}

	delay := c.desc.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= c.desc.RetryAttempts; attempt++ {
		c.setState(StateConnecting)

		err := c.dial(ctx)
		if err == nil {
			c.breaker.success()
			c.mu.Lock()
			c.connectedAt = c.clock.Now()
			c.mu.Unlock()
			c.setState(StateReady)
			c.startHealth()
			c.logger.Info("MCP server connected", "attempt", attempt)
			return nil
		}

		lastErr = err
		c.setState(StateDisconnected)
		c.logger.Warn("MCP connect attempt failed",
			"attempt", attempt,
			"max_attempts", c.desc.RetryAttempts,
			"error", err,
		)
		c.bus.Emit(events.SourceConnection, events.KindConnectFailed, map[string]any{
			"server":  c.desc.Name,
			"attempt": attempt,
			"error":   err.Error(),
		})

		if opened, until := c.breaker.failure(); opened {
			c.setState(StateCircuitOpen)
			c.logger.Warn("circuit breaker opened", "until", until)
			c.bus.Emit(events.SourceConnection, events.KindCircuitOpen, map[string]any{
				"server": c.desc.Name,
				"until":  until,
			})
			return &CircuitOpenError{Server: c.desc.Name, Until: until, Err: err}
		}

		if attempt == c.desc.RetryAttempts {
			break
		}
		if !clock.Sleep(ctx, c.clock, delay) {
			return ctx.Err()
		}
		delay *= 2
	}

	return &ConnectionError{Server: c.desc.Name, Op: "connect", Err: lastErr}
}

// dial spawns the transport and performs the handshake.
func (c *Connection) dial(ctx context.Context) error {
	env, missing := config.ResolveEnv(c.desc.Env, c.lookup)
	if len(missing) > 0 {
		c.logger.Warn("unset environment variables referenced by server env", "vars", missing)
	}

	tr, err := c.launch(ctx, LaunchSpec{
		Server:  c.desc.Name,
		Command: c.desc.Command,
		Args:    slices.Clone(c.desc.Args),
		Env:     env,
		Logger:  c.logger,
	})
	if err != nil {
		return &ConnectionError{Server: c.desc.Name, Op: "spawn", Err: err}
	}

	readCtx, stopRead := context.WithCancel(context.Background())
	c.mu.Lock()
	c.transport = tr
	c.stopRead = stopRead
	c.mu.Unlock()
	go c.readLoop(readCtx, tr)

	if err := c.handshake(ctx, tr); err != nil {
		c.detach(tr, ErrCancelled)
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

func (c *Connection) handshake(ctx context.Context, tr Transport) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      buildinfo.ClientInfo(),
	}

	raw, err := c.call(ctx, tr, methodInitialize, params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.protocol = result.ProtocolVersion
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	notif, err := NewNotification(methodInitialized, nil)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.desc.Timeout)
	defer cancel()
	if err := tr.Send(sendCtx, notif); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

func (c *Connection) startHealth() {
	if c.desc.HealthCheckInterval <= 0 {
		return
	}
	checker := healthcheck.Start(context.Background(), healthcheck.Config{
		Name:         c.desc.Name,
		Interval:     c.desc.HealthCheckInterval,
		ProbeTimeout: c.desc.Timeout,
		Probe:        c.Ping,
		Logger:       c.logger,
		OnResult: func(err error, latency time.Duration) {
			c.bus.Emit(events.SourceConnection, events.KindHealthCheck, map[string]any{
				"server":     c.desc.Name,
				"ok":         err == nil,
				"latency_ms": latency.Milliseconds(),
			})
		},
	})
	c.mu.Lock()
	c.health = checker
	c.mu.Unlock()
}

// Disconnect stops health checks, resolves every pending request with
// [ErrCancelled], and closes the transport. It is a no-op when there is
// no live transport.
func (c *Connection) Disconnect(_ context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()

	if tr != nil {
		c.detach(tr, ErrCancelled)
		c.logger.Info("MCP server disconnected")
	}
	if c.State() != StateCircuitOpen {
		c.setState(StateDisconnected)
	}
	return nil
}

// detach tears down tr if it is still the live transport: health is
// stopped, pending waiters fail with cause, and the transport is closed.
func (c *Connection) detach(tr Transport, cause error) {
	c.mu.Lock()
	if c.transport != tr {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	stopRead := c.stopRead
	c.stopRead = nil
	checker := c.health
	c.health = nil
	c.mu.Unlock()

	checker.Stop()
	stopRead()
	if n := c.pending.failAll(cause); n > 0 {
		c.logger.Debug("resolved pending requests", "count", n, "cause", cause)
	}
	tr.Close()
}

// fatal handles an unrecoverable transport failure on tr.
func (c *Connection) fatal(tr Transport, err error) {
	c.mu.Lock()
	if c.transport != tr {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	stopRead := c.stopRead
	c.stopRead = nil
	checker := c.health
	c.health = nil
	wasReady := c.state == StateReady
	c.mu.Unlock()

	c.logger.Warn("MCP transport failed", "error", err)
	stopRead()
	c.pending.failAll(&ConnectionError{Server: c.desc.Name, Op: "read", Err: err})
	if wasReady {
		c.setState(StateDisconnected)
	}
	// The checker may be mid-probe on this connection; stop it without
	// blocking the reader.
	go checker.Stop()
	tr.Close()
}

func (c *Connection) readLoop(ctx context.Context, tr Transport) {
	for {
		msg, err := tr.Receive(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("discarding malformed frame", "error", err)
				continue
			}
			if IsFatal(err) {
				c.fatal(tr, err)
				return
			}
			c.logger.Debug("transport read error", "error", err)
			continue
		}

		switch {
		case msg.IsResponse():
			if !c.pending.resolve(msg.ID.Key(), reply{msg: msg}) {
				c.logger.Debug("response for unknown request", "id", msg.ID.String())
			}
		case msg.IsRequest():
			go c.answer(ctx, tr, msg)
		case msg.IsNotification():
			c.handleNotification(msg)
		}
	}
}

// answer replies to a server-initiated request. Only ping is supported.
func (c *Connection) answer(ctx context.Context, tr Transport, req *Message) {
	var resp *Message
	if req.Method == methodPing {
		var err error
		if resp, err = NewResult(req.ID, nil); err != nil {
			return
		}
	} else {
		resp = NewErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
	ctx, cancel := context.WithTimeout(ctx, c.desc.Timeout)
	defer cancel()
	if err := tr.Send(ctx, resp); err != nil {
		c.logger.Debug("reply to server request failed", "method", req.Method, "error", err)
	}
}

func (c *Connection) handleNotification(msg *Message) {
	switch msg.Method {
	case methodToolsListChanged:
		c.InvalidateTools()
		c.logger.Info("server tool list changed")
		c.bus.Emit(events.SourceConnection, events.KindToolsChanged, map[string]any{
			"server": c.desc.Name,
		})
	default:
		c.logger.Debug("server notification", "method", msg.Method)
	}
}

// Request sends method with params and returns the raw result. The
// connection must be ready. A JSON-RPC error response is returned as a
// [*RPCError].
func (c *Connection) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	tr, err := c.liveTransport()
	if err != nil {
		return nil, err
	}
	return c.call(ctx, tr, method, params)
}

// Notify sends a fire-and-forget notification.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	tr, err := c.liveTransport()
	if err != nil {
		return err
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.desc.Timeout)
	defer cancel()
	if err := tr.Send(sendCtx, msg); err != nil {
		if IsFatal(err) {
			c.fatal(tr, err)
		}
		return err
	}
	return nil
}

func (c *Connection) liveTransport() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.transport == nil {
		return nil, &ConnectionError{Server: c.desc.Name, Op: "request", Err: ErrNotConnected}
	}
	return c.transport, nil
}

// call acquires a dispatch slot, registers a waiter, sends the request,
// and waits for the matching response or the request timeout.
func (c *Connection) call(ctx context.Context, tr Transport, method string, params any) (json.RawMessage, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.inUse.Add(1)
	defer func() {
		c.inUse.Add(-1)
		c.sem.Release(1)
	}()

	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	key := req.ID.Key()
	wait := c.pending.add(key)

	// fatal may have drained the pending set between liveTransport and
	// add; nothing would ever resolve this waiter.
	c.mu.Lock()
	live := c.transport == tr
	c.mu.Unlock()
	if !live {
		c.pending.remove(key)
		return nil, &ConnectionError{Server: c.desc.Name, Op: "request", Err: ErrNotConnected}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.desc.Timeout)
	defer cancel()

	if err := tr.Send(callCtx, req); err != nil {
		c.pending.remove(key)
		if IsFatal(err) {
			c.fatal(tr, err)
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Server: c.desc.Name, Method: method, After: c.desc.Timeout}
		}
		return nil, err
	}

	select {
	case r := <-wait:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Error != nil {
			return nil, r.msg.Error
		}
		return r.msg.Result, nil
	case <-callCtx.Done():
		c.pending.remove(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Server: c.desc.Name, Method: method, After: c.desc.Timeout}
	}
}

// Ping sends a ping request.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, methodPing, nil)
	return err
}

// ListTools returns the server's tools. Results are cached for the
// descriptor's ToolsCacheTTL; once expired, exactly one tools/list
// request refreshes the cache no matter how many callers are waiting.
func (c *Connection) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if tools, ok := c.cachedTools(); ok {
		return tools, nil
	}

	v, err, _ := c.toolsFlight.Do(methodToolsList, func() (any, error) {
		if tools, ok := c.cachedTools(); ok {
			return tools, nil
		}
		tools, err := c.fetchTools(ctx)
		if err != nil {
			return nil, err
		}
		c.toolsMu.Lock()
		c.tools = tools
		c.toolsAt = c.clock.Now()
		c.toolsMu.Unlock()
		c.logger.Info("discovered MCP tools", "count", len(tools))
		return slices.Clone(tools), nil
	})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return slices.Clone(v.([]ToolDefinition)), nil
}

func (c *Connection) cachedTools() ([]ToolDefinition, bool) {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	if c.tools == nil || c.clock.Now().Sub(c.toolsAt) >= c.desc.ToolsCacheTTL {
		return nil, false
	}
	return slices.Clone(c.tools), true
}

// fetchTools follows nextCursor until the listing is complete.
func (c *Connection) fetchTools(ctx context.Context) ([]ToolDefinition, error) {
	tools := []ToolDefinition{}
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.Request(ctx, methodToolsList, params)
		if err != nil {
			return nil, err
		}
		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// InvalidateTools drops the cached tool list.
func (c *Connection) InvalidateTools() {
	c.toolsMu.Lock()
	c.tools = nil
	c.toolsAt = time.Time{}
	c.toolsMu.Unlock()
}

// CallTool invokes a tool by name. A result with IsError set is
// returned as-is; interpreting it is up to the caller.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.Request(ctx, methodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// ConnectionStats is a point-in-time view of a connection.
type ConnectionStats struct {
	Server              string              `json:"server"`
	State               State               `json:"state"`
	ServerInfo          ServerInfo          `json:"server_info"`
	ProtocolVersion     string              `json:"protocol_version,omitempty"`
	ConnectedAt         time.Time           `json:"connected_at,omitempty"`
	Pending             int                 `json:"pending"`
	InFlight            int64               `json:"in_flight"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	CircuitOpenUntil    time.Time           `json:"circuit_open_until,omitempty"`
	ToolsCached         int                 `json:"tools_cached"`
	ToolsFetchedAt      time.Time           `json:"tools_fetched_at,omitempty"`
	Transport           TransportStats      `json:"transport"`
	Health              *healthcheck.Status `json:"health,omitempty"`
}

// Stats returns a snapshot of the connection.
func (c *Connection) Stats() ConnectionStats {
	failures, open, until := c.breaker.snapshot()

	c.mu.Lock()
	s := ConnectionStats{
		Server:              c.desc.Name,
		State:               c.state,
		ServerInfo:          c.serverInfo,
		ProtocolVersion:     c.protocol,
		ConnectedAt:         c.connectedAt,
		ConsecutiveFailures: failures,
	}
	tr := c.transport
	checker := c.health
	c.mu.Unlock()

	if open {
		s.CircuitOpenUntil = until
	}
	if tr != nil {
		s.Transport = tr.Stats()
	}
	if checker != nil {
		hs := checker.Status()
		s.Health = &hs
	}
	s.Pending = c.pending.len()
	s.InFlight = c.inUse.Load()

	c.toolsMu.Lock()
	s.ToolsCached = len(c.tools)
	s.ToolsFetchedAt = c.toolsAt
	c.toolsMu.Unlock()
	return s
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}
	c.logger.Debug("connection state changed", "from", prev, "to", s)
	c.bus.Emit(events.SourceConnection, events.KindStateChange, map[string]any{
		"server": c.desc.Name,
		"from":   string(prev),
		"to":     string(s),
	})
}
