package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/clock"
	"github.com/nugget/toolbridge/internal/mcp"
)

// Strategy names as they appear in audit entries and recovery info.
const (
	StrategyReconnect = "reconnect_with_backoff"
	StrategyCached    = "cached_fallback"
	StrategyAlternate = "alternate_server"
	StrategyRetry     = "retry_with_delay"
	StrategyDegrade   = "graceful_degradation"
	StrategyRateLimit = "rate_limit_backoff"
)

const (
	defaultAttempts     = 3
	defaultBackoffDelay = time.Second
	maxRateLimitWait    = 5 * time.Minute
)

// errNoCall is returned by strategies that need to re-issue the call
// when the incident carries no CallFunc.
var errNoCall = errors.New("incident has no call function")

// base implements the selection half of [Strategy].
type base struct {
	name       string
	categories []Category
	threshold  Severity
}

func (b base) Name() string        { return b.name }
func (b base) Threshold() Severity { return b.threshold }

func (b base) Handles(c Category) bool {
	for _, bc := range b.categories {
		if bc == c {
			return true
		}
	}
	return false
}

// Backoff tunes the strategies that wait and retry.
type Backoff struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = defaultAttempts
	}
	if b.Delay <= 0 {
		b.Delay = defaultBackoffDelay
	}
	b.Clock = clock.Or(b.Clock)
	return b
}

// ReconnectWithBackoff re-establishes the connection and repeats the
// call, doubling the wait between attempts.
func ReconnectWithBackoff(b Backoff) Strategy {
	return &reconnect{
		base:    base{StrategyReconnect, []Category{CategoryConnection, CategoryTimeout}, SeverityMedium},
		backoff: b.withDefaults(),
	}
}

type reconnect struct {
	base
	backoff Backoff
}

func (s *reconnect) Recover(ctx context.Context, inc *Incident, report *Report) (*Resolution, error) {
	if inc.Call == nil {
		return nil, errNoCall
	}
	delay := s.backoff.Delay
	var lastErr error
	for i := range s.backoff.Attempts {
		if err := sleep(ctx, s.backoff.Clock, delay); err != nil {
			return nil, err
		}
		report.Waited += delay
		report.Retries = i + 1
		delay *= 2

		if inc.Reconnect != nil {
			if err := inc.Reconnect(ctx, inc.Server); err != nil {
				lastErr = fmt.Errorf("reconnect: %w", err)
				continue
			}
		}
		res, err := inc.Call(ctx, inc.Server)
		if err == nil && (res == nil || !res.IsError) {
			return &Resolution{Result: res, Server: inc.Server}, nil
		}
		if err == nil {
			err = errors.New(res.Text())
		}
		lastErr = err
	}
	return nil, lastErr
}

// FallbackCache remembers the last successful result per call so a
// cached answer can stand in while a server is unreachable.
type FallbackCache struct {
	maxAge time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string]cachedResult
}

type cachedResult struct {
	result *mcp.CallToolResult
	at     time.Time
}

// NewFallbackCache returns a cache whose entries expire after maxAge.
// Zero maxAge keeps entries forever.
func NewFallbackCache(maxAge time.Duration, clk clock.Clock) *FallbackCache {
	return &FallbackCache{
		maxAge:  maxAge,
		clock:   clock.Or(clk),
		entries: make(map[string]cachedResult),
	}
}

func cacheKey(server, tool string, args map[string]any) string {
	// encoding/json sorts map keys, so equal args give equal keys.
	data, _ := json.Marshal(args)
	return server + "\x00" + tool + "\x00" + string(data)
}

// Store records a successful result.
func (c *FallbackCache) Store(server, tool string, args map[string]any, result *mcp.CallToolResult) {
	if c == nil || result == nil || result.IsError {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(server, tool, args)] = cachedResult{result: result, at: c.clock.Now()}
	c.mu.Unlock()
}

// Lookup returns the cached result and its age.
func (c *FallbackCache) Lookup(server, tool string, args map[string]any) (*mcp.CallToolResult, time.Duration, bool) {
	if c == nil {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(server, tool, args)
	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	age := c.clock.Now().Sub(e.at)
	if c.maxAge > 0 && age > c.maxAge {
		delete(c.entries, key)
		return nil, 0, false
	}
	return e.result, age, true
}

// Len returns the number of cached results.
func (c *FallbackCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CachedFallback answers a connection failure with the last good result
// of the same call.
func CachedFallback(cache *FallbackCache) Strategy {
	return &cached{
		base:  base{StrategyCached, []Category{CategoryConnection}, SeverityLow},
		cache: cache,
	}
}

type cached struct {
	base
	cache *FallbackCache
}

func (s *cached) Recover(_ context.Context, inc *Incident, _ *Report) (*Resolution, error) {
	res, _, ok := s.cache.Lookup(inc.Server, inc.Tool, inc.Args)
	if !ok {
		return nil, fmt.Errorf("no cached result for %s/%s", inc.Server, inc.Tool)
	}
	return &Resolution{Result: res, Server: inc.Server, Stale: true}, nil
}

// AlternateServer repeats the call on each of the incident's alternate
// servers in turn. CallFunc is responsible for permission checks on the
// substitute.
func AlternateServer() Strategy {
	return &alternate{
		base: base{StrategyAlternate, []Category{CategoryPermission}, SeverityHigh},
	}
}

type alternate struct {
	base
}

func (s *alternate) Recover(ctx context.Context, inc *Incident, report *Report) (*Resolution, error) {
	if inc.Call == nil {
		return nil, errNoCall
	}
	if len(inc.Alternates) == 0 {
		return nil, fmt.Errorf("server %s has no alternates", inc.Server)
	}
	var errs []error
	for _, alt := range inc.Alternates {
		if alt == inc.Server {
			continue
		}
		report.Retries++
		res, err := inc.Call(ctx, alt)
		if err == nil && (res == nil || !res.IsError) {
			return &Resolution{Result: res, Server: alt}, nil
		}
		if err == nil {
			err = errors.New(res.Text())
		}
		errs = append(errs, fmt.Errorf("%s: %w", alt, err))
	}
	return nil, errors.Join(errs...)
}

// RetryWithDelay waits a fixed delay and repeats the call.
func RetryWithDelay(b Backoff) Strategy {
	return &retry{
		base:    base{StrategyRetry, []Category{CategoryServerError}, SeverityLow},
		backoff: b.withDefaults(),
	}
}

type retry struct {
	base
	backoff Backoff
}

func (s *retry) Recover(ctx context.Context, inc *Incident, report *Report) (*Resolution, error) {
	if inc.Call == nil {
		return nil, errNoCall
	}
	var lastErr error
	for i := range s.backoff.Attempts {
		if err := sleep(ctx, s.backoff.Clock, s.backoff.Delay); err != nil {
			return nil, err
		}
		report.Waited += s.backoff.Delay
		report.Retries = i + 1
		res, err := inc.Call(ctx, inc.Server)
		if err == nil && (res == nil || !res.IsError) {
			return &Resolution{Result: res, Server: inc.Server}, nil
		}
		if err == nil {
			err = errors.New(res.Text())
		}
		lastErr = err
	}
	return nil, lastErr
}

// GracefulDegradation gives up on the call but lets the caller proceed
// with an explicit placeholder result.
func GracefulDegradation() Strategy {
	return &degrade{
		base: base{StrategyDegrade, []Category{CategoryServerError}, SeverityMedium},
	}
}

type degrade struct {
	base
}

func (s *degrade) Recover(_ context.Context, inc *Incident, _ *Report) (*Resolution, error) {
	text := fmt.Sprintf("%s/%s is temporarily unavailable; continuing without its result", inc.Server, inc.Tool)
	return &Resolution{
		Result:   &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}},
		Server:   inc.Server,
		Degraded: true,
	}, nil
}

// RateLimitBackoff waits for the server-supplied retry hint, or Delay
// when none was given, and repeats the call. Each further rate-limit
// response doubles the wait unless it carries its own hint.
func RateLimitBackoff(b Backoff) Strategy {
	return &rateLimit{
		base:    base{StrategyRateLimit, []Category{CategoryRateLimit}, SeverityLow},
		backoff: b.withDefaults(),
	}
}

type rateLimit struct {
	base
	backoff Backoff
}

func (s *rateLimit) Recover(ctx context.Context, inc *Incident, report *Report) (*Resolution, error) {
	if inc.Call == nil {
		return nil, errNoCall
	}
	wait := inc.Class.RetryAfter
	if wait <= 0 {
		wait = s.backoff.Delay
	}
	var lastErr error
	for i := range s.backoff.Attempts {
		wait = min(wait, maxRateLimitWait)
		if err := sleep(ctx, s.backoff.Clock, wait); err != nil {
			return nil, err
		}
		report.Waited += wait
		report.Retries = i + 1

		res, err := inc.Call(ctx, inc.Server)
		if err == nil && (res == nil || !res.IsError) {
			return &Resolution{Result: res, Server: inc.Server}, nil
		}
		var c Classification
		if err != nil {
			c = Classify(err)
		} else {
			err = errors.New(res.Text())
			c = ClassifyMessage(res.Text())
		}
		lastErr = err
		if c.Category != CategoryRateLimit {
			return nil, err
		}
		if c.RetryAfter > 0 {
			wait = c.RetryAfter
		} else {
			wait *= 2
		}
	}
	return nil, lastErr
}

// DefaultStrategies returns the standard strategy set. cache may be nil,
// in which case cached fallback is omitted.
func DefaultStrategies(cache *FallbackCache, retryCfg, rateCfg Backoff) []Strategy {
	out := []Strategy{
		ReconnectWithBackoff(retryCfg),
		AlternateServer(),
		RetryWithDelay(retryCfg),
		GracefulDegradation(),
		RateLimitBackoff(rateCfg),
	}
	if cache != nil {
		out = append([]Strategy{CachedFallback(cache)}, out...)
	}
	return out
}
