// Package breaker implements a three-state per-provider circuit breaker:
// CLOSED allows all calls, OPEN rejects them until a recovery timeout
// elapses, and HALF_OPEN allows exactly one in-flight probe call to decide
// whether to close or re-open. State transitions are mutex-protected; the
// wrapped call itself always executes outside the mutex so one slow
// provider cannot serialize traffic through the same breaker.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proddefense/llmguard/pkg/clock"
	"github.com/proddefense/llmguard/pkg/errors"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the per-provider breaker parameters.
type Config struct {
	FailureThreshold uint64
	RecoveryTimeout  time.Duration
	SuccessThreshold uint64
}

// DefaultConfig returns the documented defaults (threshold=5, timeout=60s,
// success_threshold=2).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Totals tracks aggregate lifetime counters for observability.
type Totals struct {
	Requests       uint64
	Successes      uint64
	Failures       uint64
}

// Transition is one entry in the breaker's bounded state-history timeline.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

const maxHistory = 50

// CircuitBreaker is a per-provider failure insulator.
type CircuitBreaker struct {
	name   string
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    uint64
	successCount    uint64
	lastFailureTime time.Time
	lastStateChange time.Time
	totals          Totals
	history         []Transition
	probeInFlight   bool
}

// New creates a breaker for provider name using the real clock.
func New(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	return NewWithClock(name, cfg, clock.Real{}, logger)
}

// NewWithClock creates a breaker with an injected clock, for deterministic
// recovery-timeout tests.
func NewWithClock(name string, cfg Config, c clock.Clock, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := c.Now()
	return &CircuitBreaker{
		name:            name,
		cfg:             cfg,
		clock:           c,
		logger:          logger,
		state:           Closed,
		lastStateChange: now,
	}
}

// Name returns the provider name this breaker protects.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Totals returns a snapshot of the aggregate counters.
func (cb *CircuitBreaker) Totals() Totals {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totals
}

// History returns a copy of the bounded state-transition timeline.
func (cb *CircuitBreaker) History() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]Transition, len(cb.history))
	copy(out, cb.history)
	return out
}

// Reset forces the breaker back to CLOSED, for operator intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(Closed, "manual reset")
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
}

// Call runs fn under breaker protection. It returns CircuitBreakerOpen
// without invoking fn if the breaker is OPEN (and the recovery timeout
// hasn't elapsed) or if a HALF_OPEN probe is already in flight.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	cb.afterCall(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	switch cb.state {
	case Closed:
		return nil

	case Open:
		if now.Sub(cb.lastFailureTime) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(HalfOpen, "recovery timeout elapsed")
			cb.successCount = 0
			cb.probeInFlight = true
			return nil
		}
		timeUntilRetry := cb.cfg.RecoveryTimeout - now.Sub(cb.lastFailureTime)
		return errors.NewCircuitBreakerOpen(cb.name, timeUntilRetry)

	case HalfOpen:
		if cb.probeInFlight {
			return errors.NewCircuitBreakerOpen(cb.name, cb.cfg.RecoveryTimeout)
		}
		cb.probeInFlight = true
		return nil

	default:
		return errors.NewCircuitBreakerOpen(cb.name, cb.cfg.RecoveryTimeout)
	}
}

func (cb *CircuitBreaker) afterCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.Requests++
	cb.probeInFlight = false

	if success {
		cb.totals.Successes++
		cb.onSuccessLocked()
	} else {
		cb.totals.Failures++
		cb.lastFailureTime = cb.clock.Now()
		cb.onFailureLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case Closed:
		cb.failureCount = 0
	case HalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(Closed, "success threshold reached")
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transitionLocked(Open, "failure threshold reached")
		}
	case HalfOpen:
		// A single failure during HALF_OPEN re-opens the breaker.
		cb.transitionLocked(Open, "failure during half-open probe")
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	now := cb.clock.Now()
	cb.state = to
	cb.lastStateChange = now

	if from != to {
		cb.history = append(cb.history, Transition{From: from, To: to, At: now, Reason: reason})
		if len(cb.history) > maxHistory {
			cb.history = cb.history[len(cb.history)-maxHistory:]
		}
		cb.logger.Info("circuit breaker state transition",
			zap.String("provider", cb.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("reason", reason))
	}
}
