package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proddefense/llmguard/pkg/clock"
)

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	cb := NewWithClock("svc", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2}, c, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, Open, cb.State())

	err := cb.Call(func() error { return nil })
	assert.Error(t, err, "calls while OPEN should be rejected without invoking fn")
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	cb := NewWithClock("svc", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2}, c, nil)

	boom := errors.New("boom")
	require.Error(t, cb.Call(func() error { return boom }))
	require.Equal(t, Open, cb.State())

	c.Advance(10 * time.Second)

	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, HalfOpen, cb.State(), "one success in half-open shouldn't close until success_threshold is met")

	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	cb := NewWithClock("svc", Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2}, c, nil)

	boom := errors.New("boom")
	require.Error(t, cb.Call(func() error { return boom }))
	c.Advance(time.Second)

	require.Error(t, cb.Call(func() error { return boom }))
	assert.Equal(t, Open, cb.State(), "a failure during the half-open probe should re-open the breaker")
}

func TestCircuitBreaker_HalfOpenSerializesOneProbe(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	cb := NewWithClock("svc", Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2}, c, nil)

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	c.Advance(time.Second)

	// Manually drive the state machine past beforeCall for the first probe
	// without completing it, to assert a concurrent second call is rejected.
	err := cb.beforeCall()
	require.NoError(t, err)
	require.Equal(t, HalfOpen, cb.State())

	err = cb.beforeCall()
	assert.Error(t, err, "a second call while a half-open probe is in flight must be rejected")
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New("svc", DefaultConfig(), nil)
	boom := errors.New("boom")
	for i := 0; i < int(DefaultConfig().FailureThreshold); i++ {
		_ = cb.Call(func() error { return boom })
	}
	require.Equal(t, Open, cb.State())

	cb.Reset()
	assert.Equal(t, Closed, cb.State())
}
