package ratelimit

import (
	"sync"
	"time"

	"github.com/proddefense/llmguard/pkg/clock"
	"github.com/proddefense/llmguard/pkg/errors"
)

// TokenBucket is a smooth rate-limit primitive: capacity tokens, refilled
// continuously at refill_rate tokens/second. Each bucket owns its own
// mutex (single-writer-per-bucket semantics).
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	clock      clock.Clock
}

// NewTokenBucket creates a bucket starting full, using the real clock.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return NewTokenBucketWithClock(capacity, refillRate, clock.Real{})
}

// NewTokenBucketWithClock creates a bucket using an injected clock, for
// deterministic tests.
func NewTokenBucketWithClock(capacity int, refillRate float64, c clock.Clock) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: c.Now(),
		clock:      c,
	}
}

// refillLocked applies the refill rule: tokens <- min(capacity, tokens +
// elapsed*rate); last_refill <- now. Caller must hold mu.
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}
}

// Acquire refills the bucket then, if at least n tokens are available,
// decrements and returns true; otherwise leaves state untouched and returns
// false.
func (tb *TokenBucket) Acquire(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(tb.clock.Now())

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Remaining returns the current token count after a refill, without
// consuming any tokens.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(tb.clock.Now())
	return tb.tokens
}

// WaitFor polls Acquire every 100ms until it succeeds or timeout elapses, at
// which point it raises RateLimitExceeded. sleep is the polling primitive
// (time.Sleep in production, overridable for tests that don't want to incur
// real wall-clock delay).
func (tb *TokenBucket) WaitFor(n int, timeout time.Duration, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	deadline := tb.clock.Now().Add(timeout)
	const pollInterval = 100 * time.Millisecond

	for {
		if tb.Acquire(n) {
			return nil
		}
		if !tb.clock.Now().Before(deadline) {
			return errors.NewRateLimitExceeded("timed out waiting for rate limit tokens", 0)
		}
		sleep(pollInterval)
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
