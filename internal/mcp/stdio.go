package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/toolbridge/internal/config"
)

// Default shutdown grace periods for a stdio subprocess.
const (
	defaultCloseGrace     = 2 * time.Second
	defaultTerminateGrace = 3 * time.Second
)

// errWriteClosing is wrapped in a ConnectionError for writes attempted
// after Close has begun.
var errWriteClosing = errors.New("write side is closing")

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current process environment.
	Env []string

	// CloseGrace is how long Close waits for the process to exit after
	// its stdin is closed (default 2s).
	CloseGrace time.Duration

	// TerminateGrace is how long Close waits after SIGTERM before
	// killing the process (default 3s).
	TerminateGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// frame is one line read from the peer, or the terminal read error.
type frame struct {
	line []byte
	err  error
}

// StdioTransport frames messages as single JSON lines. It normally owns
// a subprocess, but can also wrap any reader/writer pair (see
// [NewStreamTransport]).
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	cmd      *exec.Cmd
	waitDone chan struct{}
	stdout   io.Closer // read end of the subprocess stdout; nil for streams

	// writeSem holds at most one in-flight write. It is a channel so
	// waiting for it can honor a context.
	writeSem chan struct{}
	w        *bufio.Writer
	wc       io.Closer
	closing  atomic.Bool

	frames    chan frame
	done      chan struct{}
	closeOnce sync.Once

	statsMu sync.Mutex
	stats   TransportStats
}

// StartStdio launches the subprocess and returns a transport bound to
// its standard streams. The subprocess lifecycle is independent of ctx;
// it ends only when Close is called or the process exits on its own.
func StartStdio(_ context.Context, cfg StdioConfig) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, errors.New("stdio command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// Dedicated pipes rather than StdoutPipe/StderrPipe: cmd.Wait must
	// not close the read ends while the reader goroutine is draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", cfg.Command, err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	t := newStdioTransport(cfg, logger, stdoutR, stdin)
	t.cmd = cmd
	t.stdout = stdoutR
	t.waitDone = make(chan struct{})
	t.stats.PID = cmd.Process.Pid

	go t.drainStderr(stderrR)
	go func() {
		err := cmd.Wait()
		if err != nil && !t.closing.Load() {
			logger.Warn("MCP subprocess exited", "pid", cmd.Process.Pid, "error", err)
		}
		close(t.waitDone)
	}()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// NewStreamTransport wraps an existing reader/writer pair, e.g. the
// two ends of an io.Pipe or a network stream. Close closes w; there is
// no process to terminate.
func NewStreamTransport(r io.Reader, w io.WriteCloser, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return newStdioTransport(StdioConfig{Logger: logger}, logger, r, w)
}

func newStdioTransport(cfg StdioConfig, logger *slog.Logger, r io.Reader, w io.WriteCloser) *StdioTransport {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultTerminateGrace
	}
	t := &StdioTransport{
		config:   cfg,
		logger:   logger,
		writeSem: make(chan struct{}, 1),
		w:        bufio.NewWriter(w),
		wc:       w,
		frames:   make(chan frame, 64),
		done:     make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

// readLoop feeds complete lines to the frames channel. Blank lines are
// skipped. On EOF or error, a final error frame is delivered and the
// channel is closed. Once the transport is closed, undelivered frames
// are dropped.
func (t *StdioTransport) readLoop(r io.Reader) {
	defer close(t.frames)

	reader := bufio.NewReaderSize(r, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if !t.deliver(frame{line: trimmed}) {
				return
			}
		}
		if err != nil {
			t.deliver(frame{err: err})
			return
		}
	}
}

func (t *StdioTransport) deliver(f frame) bool {
	select {
	case t.frames <- f:
		return true
	case <-t.done:
		return false
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send serializes msg as one line and writes it while holding the write
// slot. A write still blocked when ctx ends leaves a partial frame on
// the stream, so the transport is closed and the error is fatal.
func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closing.Load() {
		return t.fail(&ConnectionError{Op: "write", Err: errWriteClosing})
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	select {
	case t.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.closing.Load() {
		<-t.writeSem
		return t.fail(&ConnectionError{Op: "write", Err: errWriteClosing})
	}

	written := make(chan error, 1)
	go func() {
		defer func() { <-t.writeSem }()
		written <- t.write(data)
	}()

	select {
	case err := <-written:
		if err != nil {
			return t.fail(err)
		}
	case <-ctx.Done():
		t.logger.Warn("MCP write blocked past deadline, closing transport", "error", ctx.Err())
		t.closing.Store(true)
		go t.Close()
		return t.fail(&ConnectionError{Op: "write", Err: fmt.Errorf("write blocked: %w", ctx.Err())})
	}

	t.statsMu.Lock()
	t.stats.Sent++
	t.stats.LastActivity = time.Now()
	t.statsMu.Unlock()

	t.logger.Log(ctx, config.LevelTrace, "MCP frame sent", "frame", string(data[:len(data)-1]))
	return nil
}

func (t *StdioTransport) write(data []byte) error {
	if _, err := t.w.Write(data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	if err := t.w.Flush(); err != nil {
		return &ConnectionError{Op: "flush", Err: err}
	}
	return nil
}

// Receive returns the next decoded message.
func (t *StdioTransport) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, t.fail(&TimeoutError{After: timeout})
	case f, ok := <-t.frames:
		if !ok || errors.Is(f.err, io.EOF) || errors.Is(f.err, os.ErrClosed) {
			return nil, t.fail(&ConnectionError{Op: "read", Err: ErrStreamClosed})
		}
		if f.err != nil {
			return nil, t.fail(&ConnectionError{Op: "read", Err: f.err})
		}

		var msg Message
		if err := json.Unmarshal(f.line, &msg); err != nil {
			return nil, t.fail(&DecodeError{Line: f.line, Err: err})
		}

		t.statsMu.Lock()
		t.stats.Received++
		t.stats.LastActivity = time.Now()
		t.statsMu.Unlock()

		t.logger.Log(ctx, config.LevelTrace, "MCP frame received", "frame", string(f.line))
		return &msg, nil
	}
}

// Close asks the subprocess to exit by closing its stdin, then escalates
// to SIGTERM and finally SIGKILL if it does not exit within the grace
// periods. Close always returns nil; failures are logged.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(t.shutdown)
	return nil
}

func (t *StdioTransport) shutdown() {
	t.closing.Store(true)
	close(t.done)

	if err := t.wc.Close(); err != nil {
		t.logger.Debug("close MCP stdin", "error", err)
	}

	if t.cmd == nil || t.cmd.Process == nil {
		return
	}
	t.stopProcess()

	// The process has exited; nothing more will arrive on stdout.
	if err := t.stdout.Close(); err != nil {
		t.logger.Debug("close MCP stdout", "error", err)
	}
}

// stopProcess waits for the subprocess to exit, escalating from the
// closed stdin to SIGTERM and then SIGKILL.
func (t *StdioTransport) stopProcess() {
	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	if t.waitFor(t.config.CloseGrace) {
		return
	}

	t.logger.Warn("MCP subprocess did not exit after stdin closed, terminating", "pid", pid)
	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.logger.Warn("terminate MCP subprocess", "pid", pid, "error", err)
	}
	if t.waitFor(t.config.TerminateGrace) {
		return
	}

	t.logger.Warn("MCP subprocess ignored SIGTERM, killing", "pid", pid)
	if err := t.cmd.Process.Kill(); err != nil {
		t.logger.Warn("kill MCP subprocess", "pid", pid, "error", err)
	}
	<-t.waitDone
}

// waitFor reports whether the process exited within d.
func (t *StdioTransport) waitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.waitDone:
		return true
	case <-timer.C:
		return false
	}
}

// Stats returns a snapshot of the running totals.
func (t *StdioTransport) Stats() TransportStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// fail records err in the running totals and returns it.
func (t *StdioTransport) fail(err error) error {
	t.statsMu.Lock()
	t.stats.Errors++
	t.stats.LastError = err.Error()
	t.stats.LastActivity = time.Now()
	t.statsMu.Unlock()
	return err
}
