package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// pipePair connects a StdioTransport to the test through two io.Pipes.
// The test writes server frames to serverOut and reads client frames
// from clientIn.
type pipePair struct {
	tr        *StdioTransport
	serverOut *io.PipeWriter
	clientIn  *bufio.Reader
}

func newPipePair(t *testing.T) *pipePair {
	t.Helper()
	inR, inW := io.Pipe()   // transport -> test
	outR, outW := io.Pipe() // test -> transport
	tr := NewStreamTransport(outR, inW, nil)
	t.Cleanup(func() {
		tr.Close()
		outW.Close()
		inR.Close()
	})
	return &pipePair{tr: tr, serverOut: outW, clientIn: bufio.NewReader(inR)}
}

func (p *pipePair) serve(t *testing.T, line string) {
	t.Helper()
	go func() {
		_, _ = io.WriteString(p.serverOut, line)
	}()
}

func TestStdioTransport_SendWritesOneLine(t *testing.T) {
	p := newPipePair(t)

	req, _ := NewRequest(1, "tools/list", nil)
	errCh := make(chan error, 1)
	go func() { errCh <- p.tr.Send(context.Background(), req) }()

	line, err := p.clientIn.ReadString('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if line != `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n" {
		t.Errorf("frame = %q", line)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := p.tr.Stats().Sent; got != 1 {
		t.Errorf("Stats().Sent = %d, want 1", got)
	}
}

func TestStdioTransport_ConcurrentSendsDoNotInterleave(t *testing.T) {
	p := newPipePair(t)
	const n = 50

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := NewRequest(int64(i), "tools/call", map[string]any{"payload": make([]int, 200)})
			if err := p.tr.Send(context.Background(), req); err != nil {
				t.Errorf("Send %d: %v", i, err)
			}
		}()
	}

	seen := make(map[int64]bool)
	for range n {
		line, err := p.clientIn.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("interleaved frame %q: %v", line, err)
		}
		id, _ := msg.ID.Int64()
		seen[id] = true
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("saw %d distinct ids, want %d", len(seen), n)
	}
}

func TestStdioTransport_ReceiveSkipsBlankLines(t *testing.T) {
	p := newPipePair(t)
	p.serve(t, "\n   \n"+`{"jsonrpc":"2.0","id":4,"result":{}}`+"\n")

	msg, err := p.tr.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.ID.Key() != NumberID(4).Key() {
		t.Errorf("ID = %v, want 4", msg.ID)
	}
	if got := p.tr.Stats().Received; got != 1 {
		t.Errorf("Stats().Received = %d, want 1", got)
	}
}

func TestStdioTransport_MalformedFrameIsDecodeError(t *testing.T) {
	p := newPipePair(t)
	p.serve(t, "not json\n"+`{"jsonrpc":"2.0","method":"ping","id":1}`+"\n")

	_, err := p.tr.Receive(context.Background(), time.Second)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Receive = %v, want *DecodeError", err)
	}
	if string(de.Line) != "not json" {
		t.Errorf("DecodeError.Line = %q", de.Line)
	}

	// The stream remains usable after a bad frame.
	msg, err := p.tr.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive after decode error: %v", err)
	}
	if msg.Method != "ping" {
		t.Errorf("Method = %q, want ping", msg.Method)
	}

	stats := p.tr.Stats()
	if stats.Errors != 1 || stats.LastError == "" {
		t.Errorf("stats = %+v, want one recorded error", stats)
	}
}

func TestStdioTransport_TimeoutDoesNotLoseFrame(t *testing.T) {
	p := newPipePair(t)

	_, err := p.tr.Receive(context.Background(), 20*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Receive = %v, want *TimeoutError", err)
	}

	p.serve(t, `{"jsonrpc":"2.0","id":2,"result":{}}`+"\n")
	msg, err := p.tr.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.ID.Key() != NumberID(2).Key() {
		t.Errorf("ID = %v, want 2", msg.ID)
	}
}

func TestStdioTransport_ReceiveHonorsContext(t *testing.T) {
	p := newPipePair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.tr.Receive(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive = %v, want context.Canceled", err)
	}
}

func TestStdioTransport_EOFIsConnectionError(t *testing.T) {
	p := newPipePair(t)
	p.serverOut.Close()

	for i := range 2 {
		_, err := p.tr.Receive(context.Background(), time.Second)
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("Receive #%d = %v, want *ConnectionError", i, err)
		}
		if !errors.Is(err, ErrStreamClosed) {
			t.Errorf("Receive #%d = %v, want ErrStreamClosed", i, err)
		}
	}
}

func TestStdioTransport_SendAfterCloseFailsFast(t *testing.T) {
	p := newPipePair(t)
	p.tr.Close()

	req, _ := NewRequest(1, "ping", nil)
	err := p.tr.Send(context.Background(), req)
	if !IsFatal(err) {
		t.Errorf("Send after Close = %v, want fatal connection error", err)
	}

	// Close is idempotent.
	if err := p.tr.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestStdioTransport_SendHonorsDeadlineOnStalledPeer(t *testing.T) {
	// Nobody reads inR, so every write blocks.
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	tr := NewStreamTransport(outR, inW, nil)
	t.Cleanup(func() {
		tr.Close()
		outW.Close()
		inR.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := NewRequest(1, "tools/call", map[string]any{"name": "write_file"})

	start := time.Now()
	err := tr.Send(ctx, req)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Send returned after %v, want about 50ms", elapsed)
	}
	if !IsFatal(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want fatal connection error wrapping the deadline", err)
	}

	// The transport is unusable after a torn write; later sends fail fast
	// instead of queueing behind the stuck one.
	done := make(chan error, 1)
	go func() { done <- tr.Send(context.Background(), req) }()
	select {
	case err := <-done:
		if !IsFatal(err) {
			t.Errorf("second Send = %v, want fatal connection error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Send blocked behind the stalled write")
	}
	if got := tr.Stats().Errors; got < 2 {
		t.Errorf("Stats().Errors = %d, want at least 2", got)
	}
}

func TestStdioTransport_CloseStopsReaderWithUndeliveredFrames(t *testing.T) {
	p := newPipePair(t)

	// More frames than the buffer holds, with nobody receiving.
	p.serve(t, strings.Repeat(`{"jsonrpc":"2.0","method":"notifications/message"}`+"\n", 100))
	waitFor := time.Now().Add(2 * time.Second)
	for len(p.tr.frames) < cap(p.tr.frames) {
		if time.Now().After(waitFor) {
			t.Fatal("frames buffer never filled")
		}
		time.Sleep(time.Millisecond)
	}

	p.tr.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-p.tr.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("reader goroutine still running after Close")
		}
	}
}

func TestStartStdio_RequiresCommand(t *testing.T) {
	if _, err := StartStdio(context.Background(), StdioConfig{}); err == nil {
		t.Error("StartStdio with empty command succeeded")
	}
}

func TestStartStdio_Subprocess(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	// cat echoes every frame back, which is enough to exercise both
	// directions of the pipe.
	tr, err := StartStdio(context.Background(), StdioConfig{Command: "cat"})
	if err != nil {
		t.Fatalf("StartStdio: %v", err)
	}
	defer tr.Close()

	if tr.Stats().PID == 0 {
		t.Error("Stats().PID = 0")
	}

	notif, _ := NewNotification("notifications/initialized", nil)
	if err := tr.Send(context.Background(), notif); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := tr.Receive(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.Method != "notifications/initialized" {
		t.Errorf("echoed Method = %q", msg.Method)
	}

	tr.Close()
	if _, err := tr.Receive(context.Background(), 5*time.Second); !IsFatal(err) {
		t.Errorf("Receive after Close = %v, want connection error", err)
	}

	// The stdout read end is released once the process has exited.
	stdout := tr.stdout.(*os.File)
	if _, err := stdout.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("read stdout after Close = %v, want os.ErrClosed", err)
	}
}

func TestStartStdio_KillsUnresponsiveProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tr, err := StartStdio(context.Background(), StdioConfig{
		Command:        "sh",
		Args:           []string{"-c", `trap "" TERM; while true; do sleep 1; done`},
		CloseGrace:     50 * time.Millisecond,
		TerminateGrace: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("StartStdio: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return after kill escalation")
	}
}
