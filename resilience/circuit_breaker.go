// Package resilience implements the Error Recovery Manager: a circuit
// breaker, exponential-backoff retry, and a combinator that wraps arbitrary
// operations with both plus an optional fallback.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arannis/tidysort/core"
)

// CircuitBreakerConfig configures one named breaker. Defaults: 10
// consecutive failures trip the breaker, which stays open for
// 60 seconds before admitting a half-open probe.
type CircuitBreakerConfig struct {
	Name      string
	Threshold int
	ResetTime time.Duration
	Logger    core.Logger
	Metrics   MetricsCollector
}

// DefaultCircuitBreakerConfig returns the standard breaker tuning for
// the given name.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:      name,
		Threshold: 10,
		ResetTime: 60 * time.Second,
		Logger:    core.NoOpLogger{},
		Metrics:   noopMetrics{},
	}
}

// MetricsCollector receives circuit breaker state transitions and outcomes.
// telemetry.Recorder implements it.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to core.CircuitState)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string) {}
func (noopMetrics) RecordFailure(string) {}
func (noopMetrics) RecordStateChange(string, core.CircuitState, core.CircuitState) {}

// CircuitBreaker is a per-operation-name breaker: closed, open, or
// half-open. State is held in atomics so Execute can be
// called concurrently without a lock on the hot path.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	state               atomic.Int32 // stateClosed/stateOpen/stateHalfOpen
	consecutiveFailures atomic.Int64
	lastFailureUnixNano atomic.Int64

	halfOpenInFlight atomic.Bool
	mu               sync.Mutex
}

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

func stateOrdinal(s core.CircuitState) int32 {
	switch s {
	case core.CircuitOpen:
		return stateOpen
	case core.CircuitHalfOpen:
		return stateHalfOpen
	default:
		return stateClosed
	}
}

func ordinalState(o int32) core.CircuitState {
	switch o {
	case stateOpen:
		return core.CircuitOpen
	case stateHalfOpen:
		return core.CircuitHalfOpen
	default:
		return core.CircuitClosed
	}
}

// NewCircuitBreaker constructs a closed breaker with the given config,
// filling in defaults for any zero-valued field.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.ResetTime <= 0 {
		cfg.ResetTime = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	cb := &CircuitBreaker{cfg: cfg}
	cb.state.Store(stateClosed)
	return cb
}

// CanExecute reports whether a call would currently be let through, moving
// an Open breaker to HalfOpen once the reset window has elapsed and
// admitting exactly one half-open probe at a time.
func (cb *CircuitBreaker) CanExecute() bool {
	switch ordinalState(cb.state.Load()) {
	case core.CircuitClosed:
		return true
	case core.CircuitHalfOpen:
		return cb.halfOpenInFlight.CompareAndSwap(false, true)
	default: // open
		lastFailure := time.Unix(0, cb.lastFailureUnixNano.Load())
		if time.Since(lastFailure) < cb.cfg.ResetTime {
			return false
		}
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if ordinalState(cb.state.Load()) != core.CircuitOpen {
			return cb.CanExecute()
		}
		cb.transition(core.CircuitOpen, core.CircuitHalfOpen)
		return cb.halfOpenInFlight.CompareAndSwap(false, true)
	}
}

// Allows reports whether a call has any chance of being admitted, without
// consuming the half-open probe token the way CanExecute does. Callers that
// only want to short-circuit (rather than execute) check this.
func (cb *CircuitBreaker) Allows() bool {
	if ordinalState(cb.state.Load()) != core.CircuitOpen {
		return true
	}
	lastFailure := time.Unix(0, cb.lastFailureUnixNano.Load())
	return time.Since(lastFailure) >= cb.cfg.ResetTime
}

// Execute runs fn under breaker protection: short-circuits with
// core.ErrCircuitOpen if the breaker will not admit the call, otherwise
// runs fn and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanExecute() {
		return core.ErrCircuitOpen
	}
	wasHalfOpen := ordinalState(cb.state.Load()) == core.CircuitHalfOpen
	err := fn()
	if wasHalfOpen {
		cb.halfOpenInFlight.Store(false)
	}
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordFailure registers one failed call against the breaker, tripping it
// to Open once consecutive failures reach the configured threshold, or
// re-opening immediately on a half-open probe's failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailureUnixNano.Store(time.Now().UnixNano())
	cb.cfg.Metrics.RecordFailure(cb.cfg.Name)

	if ordinalState(cb.state.Load()) == core.CircuitHalfOpen {
		cb.mu.Lock()
		cb.transition(core.CircuitHalfOpen, core.CircuitOpen)
		cb.mu.Unlock()
		return
	}
	n := cb.consecutiveFailures.Add(1)
	if n >= int64(cb.cfg.Threshold) && ordinalState(cb.state.Load()) == core.CircuitClosed {
		cb.mu.Lock()
		cb.transition(core.CircuitClosed, core.CircuitOpen)
		cb.mu.Unlock()
	}
}

// RecordSuccess registers one successful call, resetting the failure
// counter and closing a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.cfg.Metrics.RecordSuccess(cb.cfg.Name)
	cb.consecutiveFailures.Store(0)
	if ordinalState(cb.state.Load()) == core.CircuitHalfOpen {
		cb.mu.Lock()
		cb.transition(core.CircuitHalfOpen, core.CircuitClosed)
		cb.mu.Unlock()
	}
}

func (cb *CircuitBreaker) transition(from, to core.CircuitState) {
	if !cb.state.CompareAndSwap(stateOrdinal(from), stateOrdinal(to)) {
		return
	}
	if to == core.CircuitClosed {
		cb.consecutiveFailures.Store(0)
	}
	cb.cfg.Logger.Info("circuit breaker state change", map[string]interface{}{
		"breaker": cb.cfg.Name, "from": string(from), "to": string(to),
	})
	cb.cfg.Metrics.RecordStateChange(cb.cfg.Name, from, to)
}

// State returns a snapshot of the breaker suitable for status reporting.
func (cb *CircuitBreaker) State() core.CircuitBreakerState {
	return core.CircuitBreakerState{
		Name:                cb.cfg.Name,
		State:               ordinalState(cb.state.Load()),
		ConsecutiveFailures: int(cb.consecutiveFailures.Load()),
		LastFailure:         time.Unix(0, cb.lastFailureUnixNano.Load()),
	}
}

// Reset forces the breaker back to Closed with a zeroed failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(stateClosed)
	cb.consecutiveFailures.Store(0)
	cb.halfOpenInFlight.Store(false)
}
