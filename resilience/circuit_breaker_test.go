package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/arannis/tidysort/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThresholdConsecutiveFailures(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("inf-M")
	cfg.Threshold = 3
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 2; i++ {
		err := cb.Execute(func() error { return errors.New("boom") })
		require.Error(t, err)
		assert.Equal(t, core.CircuitClosed, cb.State().State)
	}

	err := cb.Execute(func() error { return errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, core.CircuitOpen, cb.State().State)
}

func TestCircuitBreaker_ShortCircuitsWhileOpen(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("inf-M")
	cfg.Threshold = 1
	cfg.ResetTime = 50 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, core.CircuitOpen, cb.State().State)

	calls := 0
	err := cb.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Equal(t, 0, calls, "fn must not run while circuit is open")
}

func TestCircuitBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("inf-M")
	cfg.Threshold = 1
	cfg.ResetTime = 20 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, core.CircuitOpen, cb.State().State)

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, core.CircuitClosed, cb.State().State)
	assert.Equal(t, 0, cb.State().ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("inf-M")
	cfg.Threshold = 1
	cfg.ResetTime = 20 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(func() error { return errors.New("still down") })
	require.Error(t, err)
	assert.Equal(t, core.CircuitOpen, cb.State().State)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("inf-M")
	cfg.Threshold = 1
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, core.CircuitOpen, cb.State().State)

	cb.Reset()
	assert.Equal(t, core.CircuitClosed, cb.State().State)
	assert.Equal(t, 0, cb.State().ConsecutiveFailures)
}
