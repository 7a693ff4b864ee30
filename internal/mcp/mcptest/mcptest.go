// Package mcptest provides an in-memory tool server and launcher for
// tests. A [Server] implements [mcp.Transport] directly, so connections
// built on it exercise the full handshake, correlation, and caching
// logic without spawning processes.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/mcp"
)

// Handler answers one request. Returning nil sends no reply, which lets
// tests exercise timeouts.
type Handler func(req *mcp.Message) *mcp.Message

// ToolFunc implements one tool. An *mcp.RPCError is sent back as a
// JSON-RPC error; any other error becomes an internal error response.
type ToolFunc func(args map[string]any) (*mcp.CallToolResult, error)

// Server is a scriptable in-memory tool server.
type Server struct {
	mu            sync.Mutex
	handlers      map[string]Handler
	tools         []mcp.ToolDefinition
	toolFuncs     map[string]ToolFunc
	requests      []*mcp.Message
	replies       []*mcp.Message
	notifications []*mcp.Message
	inFlight      int
	maxInFlight   int
	stats         mcp.TransportStats

	out       chan *mcp.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer returns a server that answers initialize, ping, tools/list,
// and tools/call for the given tools. Tools without a registered
// [ToolFunc] echo their arguments back as text.
func NewServer(tools ...mcp.ToolDefinition) *Server {
	s := &Server{
		handlers:  make(map[string]Handler),
		tools:     tools,
		toolFuncs: make(map[string]ToolFunc),
		out:       make(chan *mcp.Message, 64),
		done:      make(chan struct{}),
	}
	s.handlers["initialize"] = func(req *mcp.Message) *mcp.Message {
		return Result(req, map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"serverInfo":      map[string]any{"name": "mcptest", "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	}
	s.handlers["ping"] = func(req *mcp.Message) *mcp.Message {
		return Result(req, nil)
	}
	s.handlers["tools/list"] = func(req *mcp.Message) *mcp.Message {
		s.mu.Lock()
		tools := append([]mcp.ToolDefinition(nil), s.tools...)
		s.mu.Unlock()
		return Result(req, map[string]any{"tools": tools})
	}
	s.handlers["tools/call"] = s.callTool
	return s
}

// Handle replaces the handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// HandleTool registers the implementation of a tool.
func (s *Server) HandleTool(name string, fn ToolFunc) {
	s.mu.Lock()
	s.toolFuncs[name] = fn
	s.mu.Unlock()
}

// SetTools replaces the advertised tool list.
func (s *Server) SetTools(tools ...mcp.ToolDefinition) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *Server) callTool(req *mcp.Message) *mcp.Message {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, err.Error())
	}

	s.mu.Lock()
	fn, ok := s.toolFuncs[params.Name]
	known := false
	for _, td := range s.tools {
		if td.Name == params.Name {
			known = true
			break
		}
	}
	s.mu.Unlock()

	if !ok {
		if !known {
			return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "unknown tool: "+params.Name)
		}
		data, _ := json.Marshal(params.Arguments)
		return Result(req, mcp.CallToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: string(data)}},
		})
	}

	result, err := fn(params.Arguments)
	if err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return &mcp.Message{ID: req.ID, Error: rpcErr}
		}
		return mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error())
	}
	return Result(req, result)
}

// Result builds a success response to req, panicking on marshal errors.
func Result(req *mcp.Message, v any) *mcp.Message {
	msg, err := mcp.NewResult(req.ID, v)
	if err != nil {
		panic(fmt.Sprintf("mcptest: marshal result: %v", err))
	}
	return msg
}

// TextResult is a CallToolResult with a single text block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// Send implements mcp.Transport. Requests are dispatched to their
// handler on a separate goroutine so a blocking handler does not stall
// other traffic.
func (s *Server) Send(ctx context.Context, msg *mcp.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return &mcp.ConnectionError{Op: "write", Err: mcp.ErrStreamClosed}
	default:
	}

	s.mu.Lock()
	s.stats.Sent++
	s.stats.LastActivity = time.Now()
	switch {
	case msg.IsRequest():
		s.requests = append(s.requests, msg)
	case msg.IsNotification():
		s.notifications = append(s.notifications, msg)
	default:
		s.replies = append(s.replies, msg)
	}
	h := s.handlers[msg.Method]
	s.mu.Unlock()

	if msg.IsRequest() {
		go s.dispatch(msg, h)
	}
	return nil
}

func (s *Server) dispatch(req *mcp.Message, h Handler) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	var resp *mcp.Message
	if h == nil {
		resp = mcp.NewErrorResponse(req.ID, mcp.CodeMethodNotFound, "method not found: "+req.Method)
	} else {
		resp = h(req)
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if resp != nil {
		s.Inject(resp)
	}
}

// Inject delivers a server-originated frame to the client.
func (s *Server) Inject(msg *mcp.Message) {
	select {
	case s.out <- msg:
	case <-s.done:
	}
}

// Receive implements mcp.Transport.
func (s *Server) Receive(ctx context.Context, timeout time.Duration) (*mcp.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case msg := <-s.out:
		s.mu.Lock()
		s.stats.Received++
		s.stats.LastActivity = time.Now()
		s.mu.Unlock()
		return msg, nil
	case <-s.done:
		return nil, &mcp.ConnectionError{Op: "read", Err: mcp.ErrStreamClosed}
	case <-expired:
		return nil, &mcp.TimeoutError{After: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements mcp.Transport.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Hangup simulates the server process exiting: the client's next read
// fails with a connection error.
func (s *Server) Hangup() { s.Close() }

// Closed reports whether the transport has been closed.
func (s *Server) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Stats implements mcp.Transport.
func (s *Server) Stats() mcp.TransportStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Requests returns every request received, in arrival order.
func (s *Server) Requests() []*mcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mcp.Message(nil), s.requests...)
}

// Notifications returns every notification received.
func (s *Server) Notifications() []*mcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mcp.Message(nil), s.notifications...)
}

// Replies returns the client's responses to server-initiated requests.
func (s *Server) Replies() []*mcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mcp.Message(nil), s.replies...)
}

// Count returns how many requests for method were received.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of requests the server was
// handling at once.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Launcher hands out Servers in place of subprocesses and counts spawns.
type Launcher struct {
	newServer func() *Server

	mu       sync.Mutex
	failNext int
	failAll  bool
	err      error
	specs    []mcp.LaunchSpec
	servers  []*Server
}

// NewLauncher returns a launcher that builds each transport with
// newServer. A nil newServer yields bare [NewServer] instances.
func NewLauncher(newServer func() *Server) *Launcher {
	if newServer == nil {
		newServer = func() *Server { return NewServer() }
	}
	return &Launcher{newServer: newServer, err: errors.New("mcptest: spawn failed")}
}

// FailNext makes the next n launches fail.
func (l *Launcher) FailNext(n int) {
	l.mu.Lock()
	l.failNext = n
	l.mu.Unlock()
}

// FailAlways makes every launch fail until Recover is called.
func (l *Launcher) FailAlways() {
	l.mu.Lock()
	l.failAll = true
	l.mu.Unlock()
}

// Recover clears any configured launch failures.
func (l *Launcher) Recover() {
	l.mu.Lock()
	l.failAll = false
	l.failNext = 0
	l.mu.Unlock()
}

// Launch implements mcp.Launcher.
func (l *Launcher) Launch(_ context.Context, spec mcp.LaunchSpec) (mcp.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.failAll {
		return nil, l.err
	}
	if l.failNext > 0 {
		l.failNext--
		return nil, l.err
	}
	srv := l.newServer()
	l.servers = append(l.servers, srv)
	return srv, nil
}

// Spawns returns the number of launch attempts, failed ones included.
func (l *Launcher) Spawns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

// Specs returns the launch specs seen so far.
func (l *Launcher) Specs() []mcp.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]mcp.LaunchSpec(nil), l.specs...)
}

// Last returns the most recently launched server, or nil.
func (l *Launcher) Last() *Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.servers) == 0 {
		return nil
	}
	return l.servers[len(l.servers)-1]
}
