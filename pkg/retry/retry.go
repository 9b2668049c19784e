// Package retry implements the bounded-attempt retry controller:
// exponential backoff with optional jitter, restricted to a declared
// set of retryable provider error kinds. Anything outside that set
// propagates immediately without retry.
package retry

import (
	"math/rand"
	"time"

	"github.com/proddefense/llmguard/pkg/errors"
)

// Config holds the retry_strategy configuration surface.
type Config struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	ExponentialBase  float64
	EnableJitter     bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		EnableJitter:    true,
	}
}

// Controller runs an operation with bounded retries.
type Controller struct {
	cfg   Config
	sleep func(time.Duration)
	rand  func() float64
}

// New creates a Controller that sleeps via time.Sleep and jitters via
// math/rand.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:   cfg,
		sleep: time.Sleep,
		rand:  rand.Float64,
	}
}

// NewForTest creates a Controller with injectable sleep/rand functions, so
// tests can assert on computed delays without incurring real wall-clock
// waits or needing a fixed random seed.
func NewForTest(cfg Config, sleep func(time.Duration), randFn func() float64) *Controller {
	c := New(cfg)
	if sleep != nil {
		c.sleep = sleep
	}
	if randFn != nil {
		c.rand = randFn
	}
	return c
}

// Delay computes the backoff delay for 0-indexed attempt k: min(initial *
// base^k, max), optionally multiplied by a uniform jitter factor in
// [0.5, 1.0].
func (c *Controller) Delay(attempt int) time.Duration {
	d := float64(c.cfg.InitialDelay) * pow(c.cfg.ExponentialBase, attempt)
	if d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	if c.cfg.EnableJitter {
		factor := 0.5 + 0.5*c.rand()
		d *= factor
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Run invokes op up to cfg.MaxAttempts times. Between attempts it sleeps for
// Delay(attempt). An error outside the declared retryable provider class
// (provider timeouts and provider rate-limit signals) propagates
// immediately without further retries. On exhaustion it returns
// RetryExhausted wrapping the last observed error.
func (c *Controller) Run(op func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !errors.IsRetryableProviderError(err) {
			return err
		}

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		c.sleep(c.Delay(attempt))
	}

	return errors.NewRetryExhausted(c.cfg.MaxAttempts, lastErr)
}
