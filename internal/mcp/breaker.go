package mcp

import (
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/clock"
)

// breaker counts consecutive connect failures. Reaching threshold opens
// it until now+cooldown; any success closes it and zeroes the count.
type breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	failures int
	open     bool
	until    time.Time
}

func newBreaker(threshold int, cooldown time.Duration, c clock.Clock) *breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &breaker{threshold: threshold, cooldown: cooldown, clock: clock.Or(c)}
}

// allow reports whether a connect attempt may proceed. Once the
// cool-down has elapsed an open breaker resets: the counter is zeroed
// and attempts resume. reset is true when that transition happened.
func (b *breaker) allow() (until time.Time, ok, reset bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return time.Time{}, true, false
	}
	if b.clock.Now().Before(b.until) {
		return b.until, false, false
	}
	b.open = false
	b.failures = 0
	b.until = time.Time{}
	return time.Time{}, true, true
}

// failure records a failed attempt and reports whether it opened the
// breaker.
func (b *breaker) failure() (opened bool, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.until = b.clock.Now().Add(b.cooldown)
		return true, b.until
	}
	return false, b.until
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.open = false
	b.until = time.Time{}
	b.mu.Unlock()
}

func (b *breaker) snapshot() (failures int, open bool, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.open, b.until
}
