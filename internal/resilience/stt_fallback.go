package resilience

import (
	"context"

	"github.com/MrWong99/echograph/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// recognition backends. Each backend has its own circuit breaker.
type STTFallback struct {
	chain *chain[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		chain: newChain(primary, primaryName, "stt", cfg),
	}
}

// AddFallback registers an additional recognition provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.chain.add(name, provider)
}

// Transcribe recognizes the segment against the first healthy provider. A
// (nil, nil) no-speech result counts as success and does not trigger
// failover.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	return call(f.chain, func(p stt.Provider) (*stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
}
