package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/mcp"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRateLimitBackoff_HonorsHints(t *testing.T) {
	clk := clock.NewFake(epoch)
	calls := 0
	inc := &Incident{
		Server: "search",
		Tool:   "web_search",
		Err: &mcp.RPCError{
			Code:    -32000,
			Message: "rate limit exceeded",
			Data:    json.RawMessage(`{"retryAfter": 1}`),
		},
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			calls++
			switch calls {
			case 1:
				// No hint: the previous wait doubles.
				return nil, &mcp.RPCError{Code: -32000, Message: "rate limit exceeded"}
			case 2:
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.ContentBlock{{Type: "text", Text: "Too many requests, retry after 5s"}},
				}, nil
			}
			return textResult("results"), nil
		},
	}

	log := audit.NewMemory()
	e := NewEngine(EngineOptions{Audit: log}, DefaultStrategies(nil, Backoff{Clock: clk}, Backoff{Clock: clk})...)
	out := e.Recover(context.Background(), inc)

	if !out.Recovered || out.Strategy != StrategyRateLimit {
		t.Fatalf("outcome = %+v, want recovered by %s", out, StrategyRateLimit)
	}
	if out.Result.Text() != "results" {
		t.Errorf("result = %q", out.Result.Text())
	}
	if want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}; !slices.Equal(clk.Sleeps(), want) {
		t.Errorf("sleeps = %v, want %v", clk.Sleeps(), want)
	}
	if att := out.Attempts[0]; att.Retries != 3 || att.Waited != 8*time.Second {
		t.Errorf("attempt = %+v, want 3 retries over 8s", att)
	}
	counts, _ := log.CountByCategory(context.Background(), time.Time{})
	if counts["rate_limit"] != 2 {
		t.Errorf("rate_limit audit count = %d, want 2", counts["rate_limit"])
	}
}

func TestRateLimitBackoff_StopsOnOtherFailure(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := RateLimitBackoff(Backoff{Attempts: 5, Delay: time.Second, Clock: clk})
	inc := &Incident{
		Server: "search",
		Class:  ClassifyMessage("429 Too Many Requests"),
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			return nil, errors.New("503 service unavailable")
		},
	}
	var report Report
	if _, err := s.Recover(context.Background(), inc, &report); err == nil {
		t.Fatal("expected error")
	}
	if report.Retries != 1 {
		t.Errorf("retries = %d, want 1", report.Retries)
	}
}

func TestRateLimitBackoff_CapsWait(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := RateLimitBackoff(Backoff{Attempts: 1, Clock: clk})
	inc := &Incident{
		Class: Classification{Category: CategoryRateLimit, Severity: SeverityMedium, RetryAfter: time.Hour},
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			return textResult("ok"), nil
		},
	}
	var report Report
	if _, err := s.Recover(context.Background(), inc, &report); err != nil {
		t.Fatal(err)
	}
	if report.Waited != maxRateLimitWait {
		t.Errorf("waited %v, want cap %v", report.Waited, maxRateLimitWait)
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	clk := clock.NewFake(epoch)
	reconnects := 0
	inc := &Incident{
		Server: "filesystem",
		Tool:   "read_file",
		Class:  Classification{Category: CategoryConnection, Severity: SeverityMedium},
		Reconnect: func(context.Context, string) error {
			reconnects++
			if reconnects == 1 {
				return errors.New("exit status 1")
			}
			return nil
		},
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			return textResult("contents"), nil
		},
	}

	s := ReconnectWithBackoff(Backoff{Attempts: 3, Delay: time.Second, Clock: clk})
	var report Report
	res, err := s.Recover(context.Background(), inc, &report)
	if err != nil {
		t.Fatal(err)
	}
	if res.Result.Text() != "contents" {
		t.Errorf("result = %q", res.Result.Text())
	}
	if reconnects != 2 {
		t.Errorf("reconnects = %d, want 2", reconnects)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !slices.Equal(clk.Sleeps(), want) {
		t.Errorf("sleeps = %v, want %v", clk.Sleeps(), want)
	}
}

func TestReconnectWithBackoff_ToolErrorIsNotRecovered(t *testing.T) {
	clk := clock.NewFake(epoch)
	calls := 0
	inc := &Incident{
		Server:    "filesystem",
		Tool:      "write_file",
		Class:     Classification{Category: CategoryConnection, Severity: SeverityMedium},
		Reconnect: func(context.Context, string) error { return nil },
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			calls++
			if calls < 3 {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.ContentBlock{{Type: "text", Text: "disk on fire"}},
				}, nil
			}
			return textResult("written"), nil
		},
	}

	s := ReconnectWithBackoff(Backoff{Attempts: 3, Delay: time.Second, Clock: clk})
	var report Report
	res, err := s.Recover(context.Background(), inc, &report)
	if err != nil {
		t.Fatal(err)
	}
	if res.Result.Text() != "written" || calls != 3 {
		t.Errorf("result = %q after %d calls, want written after 3", res.Result.Text(), calls)
	}

	// Every attempt reporting isError exhausts the strategy.
	inc.Call = func(context.Context, string) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.ContentBlock{{Type: "text", Text: "disk on fire"}},
		}, nil
	}
	_, err = s.Recover(context.Background(), inc, &Report{})
	if err == nil || err.Error() != "disk on fire" {
		t.Errorf("err = %v, want disk on fire", err)
	}
}

func TestReconnectWithBackoff_Exhausted(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := ReconnectWithBackoff(Backoff{Attempts: 2, Delay: time.Second, Clock: clk})
	inc := &Incident{
		Server:    "filesystem",
		Reconnect: func(context.Context, string) error { return errors.New("exit status 1") },
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			t.Error("Call after failed reconnect")
			return nil, nil
		},
	}
	var report Report
	_, err := s.Recover(context.Background(), inc, &report)
	if err == nil || err.Error() != "reconnect: exit status 1" {
		t.Errorf("err = %v", err)
	}
	if report.Retries != 2 || report.Waited != 3*time.Second {
		t.Errorf("report = %+v", report)
	}
}

func TestFallbackCache(t *testing.T) {
	clk := clock.NewFake(epoch)
	c := NewFallbackCache(time.Minute, clk)
	args := map[string]any{"path": "/etc/hosts", "limit": 10}

	c.Store("filesystem", "read_file", args, textResult("127.0.0.1 localhost"))
	c.Store("filesystem", "read_file", map[string]any{"path": "/bad"}, &mcp.CallToolResult{IsError: true})
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (error results are not cached)", c.Len())
	}

	clk.Advance(30 * time.Second)
	res, age, ok := c.Lookup("filesystem", "read_file", map[string]any{"limit": 10, "path": "/etc/hosts"})
	if !ok || res.Text() != "127.0.0.1 localhost" || age != 30*time.Second {
		t.Errorf("Lookup = %v, %v, %v", res, age, ok)
	}
	if _, _, ok := c.Lookup("git", "read_file", args); ok {
		t.Error("Lookup matched a different server")
	}

	clk.Advance(time.Minute)
	if _, _, ok := c.Lookup("filesystem", "read_file", args); ok {
		t.Error("Lookup returned an expired entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after expiry", c.Len())
	}

	var nilCache *FallbackCache
	nilCache.Store("x", "y", nil, textResult("z"))
	if _, _, ok := nilCache.Lookup("x", "y", nil); ok {
		t.Error("nil cache returned a hit")
	}
}

func TestCachedFallback_RunsBeforeReconnect(t *testing.T) {
	clk := clock.NewFake(epoch)
	cache := NewFallbackCache(0, clk)
	args := map[string]any{"path": "/srv"}
	cache.Store("filesystem", "list_directory", args, textResult("a\nb"))

	e := NewEngine(EngineOptions{}, DefaultStrategies(cache, Backoff{Clock: clk}, Backoff{Clock: clk})...)
	out := e.Recover(context.Background(), &Incident{
		Server: "filesystem",
		Tool:   "list_directory",
		Args:   args,
		Err:    &mcp.ConnectionError{Server: "filesystem", Op: "write", Err: errors.New("broken pipe")},
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			t.Error("Call issued despite cached result")
			return nil, nil
		},
	})

	if !out.Recovered || out.Strategy != StrategyCached || !out.Stale {
		t.Fatalf("outcome = %+v, want stale cached result", out)
	}
	if out.Result.Text() != "a\nb" {
		t.Errorf("result = %q", out.Result.Text())
	}
	if len(clk.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", clk.Sleeps())
	}
}

func TestAlternateServer(t *testing.T) {
	var tried []string
	inc := &Incident{
		Server:     "search",
		Tool:       "web_search",
		Alternates: []string{"search", "search-backup", "search-mirror"},
		Call: func(_ context.Context, server string) (*mcp.CallToolResult, error) {
			tried = append(tried, server)
			if server == "search-backup" {
				return nil, errors.New("403 forbidden")
			}
			return textResult("hits from " + server), nil
		},
	}
	e := NewEngine(EngineOptions{}, AlternateServer())
	inc.Class = Classify(errors.New("access denied"))
	out := e.Recover(context.Background(), inc)

	if !out.Recovered || out.Server != "search-mirror" {
		t.Fatalf("outcome = %+v", out)
	}
	if !slices.Equal(tried, []string{"search-backup", "search-mirror"}) {
		t.Errorf("tried = %v", tried)
	}
	if out.Attempts[0].Retries != 2 {
		t.Errorf("retries = %d, want 2", out.Attempts[0].Retries)
	}
}

func TestAlternateServer_NoneConfigured(t *testing.T) {
	s := AlternateServer()
	_, err := s.Recover(context.Background(), &Incident{
		Server: "search",
		Call:   func(context.Context, string) (*mcp.CallToolResult, error) { return textResult("x"), nil },
	}, &Report{})
	if err == nil {
		t.Error("expected error without alternates")
	}
}

func TestRetryThenDegrade(t *testing.T) {
	clk := clock.NewFake(epoch)
	calls := 0
	e := NewEngine(EngineOptions{}, DefaultStrategies(nil, Backoff{Attempts: 2, Delay: 500 * time.Millisecond, Clock: clk}, Backoff{Clock: clk})...)
	out := e.Recover(context.Background(), &Incident{
		Server: "database",
		Tool:   "query",
		Err:    &mcp.RPCError{Code: mcp.CodeInternalError, Message: "internal error"},
		Call: func(context.Context, string) (*mcp.CallToolResult, error) {
			calls++
			return &mcp.CallToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "still broken"}}}, nil
		},
	})

	if !out.Recovered || out.Strategy != StrategyDegrade || !out.Degraded {
		t.Fatalf("outcome = %+v, want graceful degradation", out)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Strategy != StrategyRetry || out.Attempts[0].Error != "still broken" {
		t.Errorf("attempts = %+v", out.Attempts)
	}
	if out.Result.Text() == "" {
		t.Error("degraded result has no placeholder text")
	}
}

func TestDefaultStrategies_ServerErrorOrder(t *testing.T) {
	clk := clock.NewFake(epoch)
	e := NewEngine(EngineOptions{}, DefaultStrategies(nil, Backoff{Attempts: 1, Clock: clk}, Backoff{Clock: clk})...)

	// A decode failure is server_error/medium; both server_error
	// strategies apply, retry first.
	got := e.Candidates(Classify(&mcp.DecodeError{Err: errors.New("bad json")}))
	if len(got) != 2 || got[0].Name() != StrategyRetry || got[1].Name() != StrategyDegrade {
		t.Errorf("candidates = %v", got)
	}
}

func TestStrategies_CancelledSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := RetryWithDelay(Backoff{Delay: time.Hour})
	_, err := s.Recover(ctx, &Incident{
		Call: func(context.Context, string) (*mcp.CallToolResult, error) { return textResult("x"), nil },
	}, &Report{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStrategies_NoCall(t *testing.T) {
	for _, s := range []Strategy{
		ReconnectWithBackoff(Backoff{}),
		AlternateServer(),
		RetryWithDelay(Backoff{}),
		RateLimitBackoff(Backoff{}),
	} {
		if _, err := s.Recover(context.Background(), &Incident{}, &Report{}); !errors.Is(err, errNoCall) {
			t.Errorf("%s: err = %v, want errNoCall", s.Name(), err)
		}
	}
}
