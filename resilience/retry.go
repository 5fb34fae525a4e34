package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/arannis/tidysort/core"
)

// RetryConfig tunes the exponential backoff loop. Defaults: up to 3
// attempts, doubling backoff capped at 10 seconds.
type RetryConfig struct {
	MaxAttempts         int
	InitialBackoffMs    int64
	MaxBackoffMs        int64
	BackoffMultiplier   float64
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoffMs:  1000,
		MaxBackoffMs:      10000,
		BackoffMultiplier: 2,
	}
}

// backoffDelay is min(1000 × backoff^(k-1), 10000) ms for 1-based
// attempt k.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	ms := float64(cfg.InitialBackoffMs) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if ms > float64(cfg.MaxBackoffMs) {
		ms = float64(cfg.MaxBackoffMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// Classifier decides whether an error returned by the wrapped operation
// should be retried.
type Classifier func(err error) bool

// DefaultClassifier retries everything the ErrorKind taxonomy classifies
// as retriable. A breaker refusal is never retried here: the
// breaker will keep refusing until its reset window elapses, which is far
// longer than any backoff this loop would sleep.
func DefaultClassifier(err error) bool {
	if errors.Is(err, core.ErrCircuitOpen) {
		return false
	}
	return core.IsRetriable(err)
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping the backoff
// between retriable failures. The sleep is cancellation-observant: ctx
// cancellation during backoff aborts immediately with ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, classify Classifier, fn func(ctx context.Context) error) error {
	if classify == nil {
		classify = DefaultClassifier
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// RetryWithCircuitBreaker combines Retry with a CircuitBreaker: the breaker
// records one outcome for the whole retry loop, and a call is refused
// outright with core.ErrCircuitOpen once the breaker is open.
func RetryWithCircuitBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	return cb.Execute(func() error {
		return Retry(ctx, cfg, DefaultClassifier, fn)
	})
}
