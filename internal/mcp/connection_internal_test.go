package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/config"
)

// sendRecorder is a transport that only counts sends.
type sendRecorder struct {
	sends int
}

func (s *sendRecorder) Send(context.Context, *Message) error { s.sends++; return nil }
func (s *sendRecorder) Receive(ctx context.Context, _ time.Duration) (*Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *sendRecorder) Close() error          { return nil }
func (s *sendRecorder) Stats() TransportStats { return TransportStats{} }

func TestCall_DetachedTransportFailsFast(t *testing.T) {
	desc := config.ServerDescriptor{Name: "git", Command: "fake-git", Timeout: 5 * time.Second}.WithDefaults()
	c := NewConnection(desc, ConnectionOptions{})

	// tr was live when the caller looked it up but has since been
	// detached, and its pending set already failed.
	tr := &sendRecorder{}
	start := time.Now()
	_, err := c.call(context.Background(), tr, methodPing, nil)
	if time.Since(start) > time.Second {
		t.Fatal("call waited for the request timeout")
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("call = %v, want ErrNotConnected", err)
	}
	if tr.sends != 0 {
		t.Errorf("sends = %d, want 0", tr.sends)
	}
	if n := c.pending.len(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}
