package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arannis/tidysort/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialBackoffMs: 1000, MaxBackoffMs: 10000, BackoffMultiplier: 2}
	assert.Equal(t, 1000*time.Millisecond, backoffDelay(cfg, 1))
	assert.Equal(t, 2000*time.Millisecond, backoffDelay(cfg, 2))
	assert.Equal(t, 4000*time.Millisecond, backoffDelay(cfg, 3))
	assert.Equal(t, 10000*time.Millisecond, backoffDelay(cfg, 5), "must cap at MaxBackoffMs")
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 2, BackoffMultiplier: 2}
	attempts := 0
	err := Retry(context.Background(), cfg, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsOnNonRetriableError(t *testing.T) {
	cfg := DefaultRetryConfig()
	attempts := 0
	err := Retry(context.Background(), cfg, func(error) bool { return false }, func(ctx context.Context) error {
		attempts++
		return core.NewTaskError("op", core.KindValidation, "t1", errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ExhaustsMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 2, BackoffMultiplier: 2}
	attempts := 0
	err := Retry(context.Background(), cfg, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_CancellationAbortsBackoffSleep(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoffMs: 5000, MaxBackoffMs: 10000, BackoffMultiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, func(error) bool { return true }, func(ctx context.Context) error {
		return errors.New("fails")
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, elapsed, 2*time.Second, "cancellation must abort the backoff sleep promptly")
}

func TestRetryWithCircuitBreaker_SkipsCallWhenOpen(t *testing.T) {
	cbCfg := DefaultCircuitBreakerConfig("inf-M")
	cbCfg.Threshold = 1
	cb := NewCircuitBreaker(cbCfg)
	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, core.CircuitOpen, cb.State().State)

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), DefaultRetryConfig(), cb, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}
