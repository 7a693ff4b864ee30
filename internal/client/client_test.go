package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nugget/toolbridge/internal/client"
	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/mcp/mcptest"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func descriptor(name string, mutate ...func(*config.ServerDescriptor)) config.ServerDescriptor {
	d := config.ServerDescriptor{
		Name:        name,
		Command:     "fake-" + name,
		Timeout:     time.Second,
		RetryDelay:  10 * time.Millisecond,
		Permissions: []string{"read"},
	}.WithDefaults()
	for _, m := range mutate {
		m(&d)
	}
	return d
}

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	reg, err := config.NewRegistry([]config.ServerDescriptor{
		descriptor("filesystem", func(d *config.ServerDescriptor) {
			d.Permissions = []string{"read", "write"}
			d.Features = []string{"files", "watch"}
		}),
		descriptor("git", func(d *config.ServerDescriptor) {
			d.Agents = []string{"coder"}
		}),
		descriptor("search"),
	}, map[string][]string{
		"coder":      {"filesystem", "git"},
		"researcher": {"search", "git"},
		"admin":      {config.AllServers},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newTestClient(t *testing.T, l *mcptest.Launcher, opts client.Options) *client.Client {
	t.Helper()
	opts.Launcher = l.Launch
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(epoch)
	}
	c := client.New(testRegistry(t), opts)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func toolServer() *mcptest.Server {
	return mcptest.NewServer(
		mcp.ToolDefinition{Name: "read_file"},
		mcp.ToolDefinition{Name: "list_directory"},
	)
}

func TestClient_LazyConnect(t *testing.T) {
	l := mcptest.NewLauncher(toolServer)
	c := newTestClient(t, l, client.Options{})

	if n := l.Spawns(); n != 0 {
		t.Fatalf("spawns after New = %d, want 0", n)
	}
	st, err := c.ServerStatus("filesystem")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != mcp.StateDisconnected || st.Connection != nil {
		t.Errorf("status before use = %+v", st)
	}

	tools, err := c.ListTools(context.Background(), "filesystem")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("got %d tools, want 2", len(tools))
	}
	if err := c.ConnectServer(context.Background(), "filesystem"); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	if n := l.Spawns(); n != 1 {
		t.Errorf("spawns = %d, want 1 (connection reused)", n)
	}

	st, _ = c.ServerStatus("filesystem")
	if st.State != mcp.StateReady || st.Connection == nil {
		t.Errorf("status after connect = %+v", st)
	}
	if st.Connection.ServerInfo.Name != "mcptest" {
		t.Errorf("server info = %+v", st.Connection.ServerInfo)
	}
}

func TestClient_UnknownServer(t *testing.T) {
	l := mcptest.NewLauncher(nil)
	c := newTestClient(t, l, client.Options{})
	ctx := context.Background()

	if _, err := c.CallTool(ctx, "nope", "x", nil); !errors.Is(err, client.ErrUnknownServer) {
		t.Errorf("CallTool err = %v, want ErrUnknownServer", err)
	}
	if err := c.DisconnectServer(ctx, "nope"); !errors.Is(err, client.ErrUnknownServer) {
		t.Errorf("DisconnectServer err = %v, want ErrUnknownServer", err)
	}
	if _, err := c.ServerStatus("nope"); !errors.Is(err, client.ErrUnknownServer) {
		t.Errorf("ServerStatus err = %v, want ErrUnknownServer", err)
	}
	if _, err := c.ServerFeatures("nope"); !errors.Is(err, client.ErrUnknownServer) {
		t.Errorf("ServerFeatures err = %v, want ErrUnknownServer", err)
	}
	if l.Spawns() != 0 {
		t.Errorf("spawned %d processes for unknown server", l.Spawns())
	}
}

func TestClient_ConnectFailureSkipsOperation(t *testing.T) {
	l := mcptest.NewLauncher(toolServer)
	l.FailAlways()
	c := newTestClient(t, l, client.Options{})

	_, err := c.CallTool(context.Background(), "filesystem", "read_file", map[string]any{"path": "/x"})
	if err == nil {
		t.Fatal("CallTool succeeded with failing launcher")
	}
	var open *mcp.CircuitOpenError
	if !errors.As(err, &open) {
		t.Errorf("err = %v, want *mcp.CircuitOpenError after retries", err)
	}
	if l.Last() != nil {
		t.Error("a server was launched despite failures")
	}

	u := c.Usage("filesystem")
	if u.Calls != 1 || u.Errors != 1 {
		t.Errorf("usage = %+v, want 1 call 1 error", u)
	}
}

func TestClient_CallToolUsageAndTrace(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	l := mcptest.NewLauncher(toolServer)
	c := newTestClient(t, l, client.Options{TracerProvider: tp})
	ctx := context.Background()

	res, err := c.CallTool(ctx, "filesystem", "read_file", map[string]any{"path": "/etc/hosts"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := res.Text(); got != `{"path":"/etc/hosts"}` {
		t.Errorf("Text() = %q", got)
	}

	_, err = c.CallTool(ctx, "filesystem", "missing_tool", nil)
	var rpcErr *mcp.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams {
		t.Errorf("unknown tool err = %v, want RPC invalid params", err)
	}

	u := c.Usage("filesystem")
	if u.Calls != 2 || u.Errors != 1 {
		t.Errorf("usage = %+v, want 2 calls 1 error", u)
	}
	if u.LastUsed.IsZero() || u.AvgLatency() < 0 {
		t.Errorf("usage timing = %+v", u)
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	ok, failed := spans[0], spans[1]
	if ok.Name() != "mcp.call_tool" {
		t.Errorf("span name = %q", ok.Name())
	}
	if ok.Status().Code != codes.Ok {
		t.Errorf("first span status = %v, want Ok", ok.Status())
	}
	if failed.Status().Code != codes.Error {
		t.Errorf("second span status = %v, want Error", failed.Status())
	}
	if !slices.Contains(ok.Attributes(), attribute.String("mcp.tool", "read_file")) {
		t.Errorf("span attributes = %v", ok.Attributes())
	}
}

func TestClient_RequestAndNotify(t *testing.T) {
	l := mcptest.NewLauncher(func() *mcptest.Server {
		s := toolServer()
		s.Handle("resources/list", func(req *mcp.Message) *mcp.Message {
			return mcptest.Result(req, map[string]any{"resources": []string{"a", "b"}})
		})
		return s
	})
	c := newTestClient(t, l, client.Options{})
	ctx := context.Background()

	raw, err := c.Request(ctx, "search", "resources/list", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var got struct {
		Resources []string `json:"resources"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.Resources, []string{"a", "b"}) {
		t.Errorf("resources = %v", got.Resources)
	}

	if err := c.Notify(ctx, "search", "notifications/cancelled", map[string]any{"requestId": 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	srv := l.Last()
	found := false
	for _, n := range srv.Notifications() {
		if n.Method == "notifications/cancelled" {
			found = true
		}
	}
	if !found {
		t.Error("notification not delivered")
	}

	if err := c.Ping(ctx, "search"); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestClient_Permissions(t *testing.T) {
	l := mcptest.NewLauncher(nil)
	c := newTestClient(t, l, client.Options{})

	tests := []struct {
		agent, server string
		want          bool
	}{
		{"coder", "filesystem", true},
		{"coder", "search", false},
		{"researcher", "search", true},
		{"admin", "search", true},
		{"admin", "unknown", false},
		{"nobody", "filesystem", false},
	}
	for _, tt := range tests {
		if got := c.CheckAgentPermissions(tt.agent, tt.server); got != tt.want {
			t.Errorf("CheckAgentPermissions(%s, %s) = %v, want %v", tt.agent, tt.server, got, tt.want)
		}
	}

	err := c.Authorize("coder", "search")
	var perr *client.PermissionError
	if !errors.As(err, &perr) || perr.Agent != "coder" || perr.Server != "search" {
		t.Errorf("Authorize err = %v", err)
	}
	if err := c.Authorize("coder", "git"); err != nil {
		t.Errorf("Authorize(coder, git) = %v", err)
	}
	if l.Spawns() != 0 {
		t.Errorf("permission checks spawned %d processes", l.Spawns())
	}
}

func TestClient_ToolsForAgent(t *testing.T) {
	c := newTestClient(t, mcptest.NewLauncher(nil), client.Options{})

	coder := c.ToolsForAgent("coder")
	if len(coder) != 2 || !slices.Equal(coder["filesystem"], []string{"read", "write"}) {
		t.Errorf("coder tools = %v", coder)
	}
	if _, ok := coder["git"]; !ok {
		t.Error("coder should see git")
	}

	// git lists coder as its only agent, so researcher is filtered out
	// even though the permission map allows it.
	researcher := c.ToolsForAgent("researcher")
	if _, ok := researcher["git"]; ok {
		t.Error("researcher should not see git")
	}
	if _, ok := researcher["search"]; !ok || len(researcher) != 1 {
		t.Errorf("researcher tools = %v", researcher)
	}

	admin := c.ToolsForAgent("admin")
	if len(admin) != 2 {
		t.Errorf("admin tools = %v, want filesystem and search", admin)
	}
	if len(c.ToolsForAgent("nobody")) != 0 {
		t.Error("unknown agent got tools")
	}
}

func TestClient_Metadata(t *testing.T) {
	c := newTestClient(t, mcptest.NewLauncher(nil), client.Options{})

	if got := c.Servers(); !slices.Equal(got, []string{"filesystem", "git", "search"}) {
		t.Errorf("Servers() = %v", got)
	}
	features, err := c.ServerFeatures("filesystem")
	if err != nil || !slices.Equal(features, []string{"files", "watch"}) {
		t.Errorf("ServerFeatures = %v, %v", features, err)
	}
	d, ok := c.Descriptor("git")
	if !ok || d.Command != "fake-git" {
		t.Errorf("Descriptor = %+v, %v", d, ok)
	}
	d.Agents[0] = "mutated"
	if again, _ := c.Descriptor("git"); again.Agents[0] != "coder" {
		t.Error("Descriptor exposed shared state")
	}
}

func TestClient_DisconnectServer(t *testing.T) {
	l := mcptest.NewLauncher(toolServer)
	c := newTestClient(t, l, client.Options{})
	ctx := context.Background()

	if err := c.DisconnectServer(ctx, "search"); err != nil {
		t.Errorf("DisconnectServer before connect = %v", err)
	}
	if err := c.ConnectServer(ctx, "search"); err != nil {
		t.Fatal(err)
	}
	if err := c.DisconnectServer(ctx, "search"); err != nil {
		t.Fatal(err)
	}
	if !l.Last().Closed() {
		t.Error("transport not closed")
	}
	st, _ := c.ServerStatus("search")
	if st.State != mcp.StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}

	if err := c.ConnectServer(ctx, "search"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if l.Spawns() != 2 {
		t.Errorf("spawns = %d, want 2", l.Spawns())
	}
}

func TestClient_WorkerPoolLimit(t *testing.T) {
	c := newTestClient(t, mcptest.NewLauncher(nil), client.Options{Workers: 2})

	var (
		active, peak atomic.Int32
		done         atomic.Int32
	)
	for range 6 {
		err := c.Go("probe", func() error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			done.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if done.Load() != 6 {
		t.Errorf("completed tasks = %d, want 6", done.Load())
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestClient_Shutdown(t *testing.T) {
	l := mcptest.NewLauncher(toolServer)
	c := newTestClient(t, l, client.Options{})
	ctx := context.Background()

	for _, name := range []string{"filesystem", "search"} {
		if err := c.ConnectServer(ctx, name); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	ran := false
	if err := c.Go("flush", func() error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		ran = true
		mu.Unlock()
		return errors.New("sink unavailable")
	}); err != nil {
		t.Fatal(err)
	}

	err := c.Shutdown(ctx)
	if err == nil {
		t.Error("Shutdown should report the failed background task")
	}
	mu.Lock()
	if !ran {
		t.Error("Shutdown returned before background task finished")
	}
	mu.Unlock()

	for _, name := range []string{"filesystem", "search"} {
		st, _ := c.ServerStatus(name)
		if st.State != mcp.StateDisconnected {
			t.Errorf("%s state after shutdown = %s", name, st.State)
		}
	}

	if err := c.ConnectServer(ctx, "git"); !errors.Is(err, client.ErrClosed) {
		t.Errorf("ConnectServer after shutdown = %v, want ErrClosed", err)
	}
	if err := c.Go("late", func() error { return nil }); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Go after shutdown = %v, want ErrClosed", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}
