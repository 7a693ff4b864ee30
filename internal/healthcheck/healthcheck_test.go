package healthcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestChecker_PeriodicProbes(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32

	c := Start(context.Background(), Config{
		Name:     "filesystem",
		Interval: 5 * time.Millisecond,
		Probe: func(context.Context) error {
			probes.Add(1)
			return nil
		},
	})
	defer c.Stop()

	waitFor(t, func() bool { return probes.Load() >= 3 })

	s := c.Status()
	if !s.Healthy || s.ConsecutiveFailures != 0 || s.LastCheck.IsZero() {
		t.Errorf("status = %+v, want healthy with a recorded check", s)
	}
}

func TestChecker_DownAndRecover(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	failing.Store(true)

	down := make(chan error, 1)
	recovered := make(chan struct{}, 1)

	c := Start(context.Background(), Config{
		Name:     "search",
		Interval: time.Hour, // driven manually via CheckNow
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("ping timed out")
			}
			return nil
		},
		OnDown:    func(err error) { down <- err },
		OnRecover: func() { recovered <- struct{}{} },
	})
	defer c.Stop()

	ctx := context.Background()
	for range 3 {
		c.CheckNow(ctx)
	}

	select {
	case err := <-down:
		if err == nil {
			t.Error("OnDown called with nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("OnDown not called")
	}

	s := c.Status()
	if s.Healthy {
		t.Error("Healthy = true after failures")
	}
	if s.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", s.ConsecutiveFailures)
	}
	if s.LastError != "ping timed out" {
		t.Errorf("LastError = %q", s.LastError)
	}

	failing.Store(false)
	if err := c.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("OnRecover not called")
	}
	if s := c.Status(); !s.Healthy || s.ConsecutiveFailures != 0 || s.Checks != 4 {
		t.Errorf("status after recovery = %+v", s)
	}
}

func TestChecker_OnResultReportsEveryProbe(t *testing.T) {
	t.Parallel()
	var results atomic.Int32

	c := Start(context.Background(), Config{
		Name:     "git",
		Interval: time.Hour,
		Probe:    func(context.Context) error { return nil },
		OnResult: func(error, time.Duration) { results.Add(1) },
	})
	defer c.Stop()

	c.CheckNow(context.Background())
	c.CheckNow(context.Background())
	if got := results.Load(); got != 2 {
		t.Errorf("OnResult called %d times, want 2", got)
	}
}

func TestChecker_ProbeTimeout(t *testing.T) {
	t.Parallel()
	c := Start(context.Background(), Config{
		Name:         "slow",
		Interval:     time.Hour,
		ProbeTimeout: 10 * time.Millisecond,
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	defer c.Stop()

	if err := c.CheckNow(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CheckNow = %v, want deadline exceeded", err)
	}
}

func TestChecker_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	c := Start(context.Background(), Config{
		Name:  "x",
		Probe: func(context.Context) error { return nil },
	})
	c.Stop()
	c.Stop()

	var nilChecker *Checker
	nilChecker.Stop()
}

func TestStart_PanicsOnMissingProbe(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("Start without Probe did not panic")
		}
	}()
	Start(context.Background(), Config{Name: "x"})
}
