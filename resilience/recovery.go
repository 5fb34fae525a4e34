package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arannis/tidysort/core"
)

// RecoveryManagerConfig configures the service-wide recovery posture and
// the circuit breaker / retry defaults new breakers are created with.
type RecoveryManagerConfig struct {
	MaxConsecutiveFailures int
	RecoveryTimeout        time.Duration
	CircuitBreakerConfig   CircuitBreakerConfig
	Retry                  RetryConfig
	FallbackTimeout        time.Duration
	Logger                 core.Logger
	Metrics                MetricsCollector
}

// RecoveryManager implements the Error Recovery Manager: it
// wraps an arbitrary operation with a named circuit breaker, retry, and an
// optional fallback run under its own timeout, and tracks the service-wide
// RecoveryMode.
type RecoveryManager struct {
	cfg RecoveryManagerConfig

	breakersMu sync.RWMutex
	breakers   map[string]*CircuitBreaker

	mode                RecoveryMode
	modeMu              sync.RWMutex
	consecutiveFailures atomic.Int64

	totalFailures   atomic.Int64
	totalRecoveries atomic.Int64
	circuitTrips    atomic.Int64
	fallbacksUsed   atomic.Int64
}

// RecoveryMode mirrors core.RecoveryMode; kept as a local alias so callers
// importing only resilience don't need the core import for this type.
type RecoveryMode = core.RecoveryMode

// NewRecoveryManager constructs a manager with the given config, filling
// in defaults for any zero-valued field.
func NewRecoveryManager(cfg RecoveryManagerConfig) *RecoveryManager {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &RecoveryManager{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
		mode:     core.RecoveryNormal,
	}
}

func (rm *RecoveryManager) breaker(name string) *CircuitBreaker {
	rm.breakersMu.RLock()
	cb, ok := rm.breakers[name]
	rm.breakersMu.RUnlock()
	if ok {
		return cb
	}

	rm.breakersMu.Lock()
	defer rm.breakersMu.Unlock()
	if cb, ok := rm.breakers[name]; ok {
		return cb
	}
	bcfg := rm.cfg.CircuitBreakerConfig
	bcfg.Name = name
	if bcfg.Logger == nil {
		bcfg.Logger = rm.cfg.Logger
	}
	if bcfg.Metrics == nil {
		bcfg.Metrics = rm.cfg.Metrics
	}
	cb = NewCircuitBreaker(bcfg)
	rm.breakers[name] = cb
	return cb
}

// ExecuteWithRecovery runs operation under the named circuit breaker with
// retry. If the breaker is open, it short-circuits straight to fallback (or
// core.ErrCircuitOpen with no fallback) without ever invoking operation. On
// a terminal retriable failure with a fallback supplied, the fallback races
// against FallbackTimeout.
func (rm *RecoveryManager) ExecuteWithRecovery(ctx context.Context, name string, operation func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	cb := rm.breaker(name)

	if !cb.Allows() {
		if fallback != nil {
			rm.fallbacksUsed.Add(1)
			return rm.runFallback(ctx, fallback)
		}
		return core.ErrCircuitOpen
	}

	// RecoveryTimeout bounds the whole retry loop, backoff sleeps included,
	// independent of whatever deadline the caller's ctx may carry. The
	// breaker wraps the loop, not the individual attempts: one call records
	// one breaker outcome, however many attempts the loop burned.
	rctx, cancel := context.WithTimeout(ctx, rm.cfg.RecoveryTimeout)
	err := cb.Execute(func() error {
		return Retry(rctx, rm.cfg.Retry, DefaultClassifier, func(ctx context.Context) error {
			return operation(ctx)
		})
	})
	cancel()

	if err == nil {
		rm.recordSuccess()
		return nil
	}

	rm.recordFailure()

	if cb.State().State == core.CircuitOpen {
		rm.circuitTrips.Add(1)
	}

	if core.IsRetriable(err) && fallback != nil {
		rm.fallbacksUsed.Add(1)
		return rm.runFallback(ctx, fallback)
	}
	return err
}

func (rm *RecoveryManager) runFallback(ctx context.Context, fallback func(ctx context.Context) error) error {
	fctx, cancel := context.WithTimeout(ctx, rm.cfg.FallbackTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fallback(fctx) }()

	select {
	case err := <-done:
		return err
	case <-fctx.Done():
		return core.ErrTimeout
	}
}

func (rm *RecoveryManager) recordFailure() {
	rm.totalFailures.Add(1)
	n := rm.consecutiveFailures.Add(1)
	if n >= int64(rm.cfg.MaxConsecutiveFailures) {
		rm.setMode(core.RecoveryDegraded)
	}
}

func (rm *RecoveryManager) recordSuccess() {
	rm.totalRecoveries.Add(1)
	rm.consecutiveFailures.Store(0)
	rm.setMode(core.RecoveryNormal)
}

func (rm *RecoveryManager) setMode(mode RecoveryMode) {
	rm.modeMu.Lock()
	defer rm.modeMu.Unlock()
	if rm.mode == mode {
		return
	}
	rm.mode = mode
	rm.cfg.Logger.Info("recovery mode change", map[string]interface{}{"mode": string(mode)})
}

// Mode returns the current service-wide recovery posture.
func (rm *RecoveryManager) Mode() RecoveryMode {
	rm.modeMu.RLock()
	defer rm.modeMu.RUnlock()
	return rm.mode
}

// Metrics returns a snapshot of the manager's global recovery counters.
func (rm *RecoveryManager) Metrics() core.RecoveryMetrics {
	return core.RecoveryMetrics{
		Mode:                rm.Mode(),
		TotalFailures:       rm.totalFailures.Load(),
		TotalRecoveries:     rm.totalRecoveries.Load(),
		ConsecutiveFailures: rm.consecutiveFailures.Load(),
		CircuitTrips:        rm.circuitTrips.Load(),
		FallbacksInvoked:    rm.fallbacksUsed.Load(),
	}
}

// BreakerState returns a snapshot of the named breaker, or a zero-value
// closed state if it has never been used.
func (rm *RecoveryManager) BreakerState(name string) core.CircuitBreakerState {
	rm.breakersMu.RLock()
	cb, ok := rm.breakers[name]
	rm.breakersMu.RUnlock()
	if !ok {
		return core.CircuitBreakerState{Name: name, State: core.CircuitClosed}
	}
	return cb.State()
}
