package ratelimit

import (
	"sync"
	"time"

	"github.com/proddefense/llmguard/pkg/clock"
)

// SlidingWindowCounter is a precise per-key request counter, reserved for
// per-user burst accounting. It keeps a FIFO of (key, timestamp)
// pairs and evicts entries older than now-window on every check.
type SlidingWindowCounter struct {
	mu           sync.Mutex
	maxRequests  int
	windowSize   time.Duration
	entries      []windowEntry
	clock        clock.Clock
}

type windowEntry struct {
	key string
	at  time.Time
}

// NewSlidingWindowCounter creates a counter using the real clock.
func NewSlidingWindowCounter(maxRequests int, windowSize time.Duration) *SlidingWindowCounter {
	return NewSlidingWindowCounterWithClock(maxRequests, windowSize, clock.Real{})
}

// NewSlidingWindowCounterWithClock creates a counter with an injected clock.
func NewSlidingWindowCounterWithClock(maxRequests int, windowSize time.Duration, c clock.Clock) *SlidingWindowCounter {
	return &SlidingWindowCounter{
		maxRequests: maxRequests,
		windowSize:  windowSize,
		clock:       c,
	}
}

// Check evicts stale entries, counts the remaining entries for key, and
// either signals the limit is exceeded or admits the request by appending
// (key, now) to the window.
func (w *SlidingWindowCounter) Check(key string) (exceeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-w.windowSize)

	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	w.entries = kept

	count := 0
	for _, e := range w.entries {
		if e.key == key {
			count++
		}
	}

	if count >= w.maxRequests {
		return true
	}

	w.entries = append(w.entries, windowEntry{key: key, at: now})
	return false
}

// Count returns the number of entries for key currently in the window,
// without admitting a new request.
func (w *SlidingWindowCounter) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-w.windowSize)
	count := 0
	for _, e := range w.entries {
		if e.key == key && e.at.After(cutoff) {
			count++
		}
	}
	return count
}
