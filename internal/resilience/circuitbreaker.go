// Package resilience guards the pipeline's provider calls. It offers a
// three-state circuit breaker (used around LLM extraction), a fixed-delay
// [Retry] helper (single-shot extraction fallback, warehouse writes), and
// failover chains that move recognition and completion traffic to healthy
// backup providers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a circuit breaker operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen forwards a bounded number of probe calls. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults sized for the extraction path: sentence batches arrive every few
// seconds, so five consecutive failures already span a noticeable outage and
// thirty seconds open keeps sessions responsive instead of stalling on a
// dead model endpoint.
const (
	defaultTripThreshold = 5
	defaultResetTimeout  = 30 * time.Second
	defaultProbeBudget   = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// package defaults.
type CircuitBreakerConfig struct {
	// Name labels the protected call in logs, e.g. "extraction" or a
	// provider name inside a failover chain.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax bounds probe calls in the half-open state; that many
	// successes close the breaker again.
	HalfOpenMax int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker is a classic three-state breaker
// (closed → open → half-open).
type CircuitBreaker struct {
	tripThreshold int
	resetTimeout  time.Duration
	probeBudget   int
	log           *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker creates a breaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultTripThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultProbeBudget
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		tripThreshold: cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		probeBudget:   cfg.HalfOpenMax,
		log:           log.With("component", "breaker", "name", cfg.Name),
		state:         StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call, and feeds the outcome
// back into the state machine. fn's own error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, err := cb.allow()
	if err != nil {
		return err
	}
	callErr := fn()
	cb.observe(probing, callErr)
	return callErr
}

// allow decides whether a call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) allow() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeWins = 0
		cb.log.Info("circuit half-open, probing")

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// observe records a call outcome. probing reports whether the call counted
// against the half-open budget.
func (cb *CircuitBreaker) observe(probing bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		if probing {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.log.Warn("probe failed, circuit re-opened")
			return
		}
		cb.failures++
		if cb.failures >= cb.tripThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.log.Warn("circuit opened", "consecutive_failures", cb.failures)
		}
		return
	}

	if probing {
		cb.probeWins++
		if cb.probeWins >= cb.probeBudget {
			cb.state = StateClosed
			cb.failures = 0
			cb.log.Info("circuit closed after successful probes")
		}
		return
	}
	cb.failures = 0
}

// State reports the current mode. An open breaker whose reset timeout has
// elapsed reports half-open; the actual transition happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeWins = 0
	cb.log.Info("circuit manually reset")
}
