package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a failover chain fails or
// sits behind an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the per-provider circuit breaker created for
// each entry of a failover chain.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// chainEntry pairs one provider with its dedicated breaker.
type chainEntry[T any] struct {
	name     string
	provider T
	breaker  *CircuitBreaker
}

// chain is the ordered provider list behind [STTFallback] and [LLMFallback]:
// the primary first, then fallbacks in registration order. Entries whose
// breaker is open are skipped without a call.
type chain[T any] struct {
	entries    []chainEntry[T]
	breakerCfg CircuitBreakerConfig
	log        *slog.Logger
}

// newChain builds a chain with primary as its first entry. kind names the
// provider role ("stt" or "llm") in log output.
func newChain[T any](primary T, primaryName, kind string, cfg FallbackConfig) *chain[T] {
	c := &chain[T]{
		breakerCfg: cfg.CircuitBreaker,
		log:        slog.Default().With("component", "fallback", "kind", kind),
	}
	c.add(primaryName, primary)
	return c
}

// add appends a provider behind its own breaker.
func (c *chain[T]) add(name string, provider T) {
	cbCfg := c.breakerCfg
	cbCfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// call tries fn against each provider in order until one succeeds. It is a
// package function because methods cannot introduce the result type
// parameter.
func call[T, R any](c *chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.provider)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			c.log.Debug("provider skipped, circuit open", "provider", entry.name)
		} else {
			c.log.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
