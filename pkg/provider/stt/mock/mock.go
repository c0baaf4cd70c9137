// Package mock provides a test double for the stt package.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echograph/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider is a configurable stt.Provider mock.
type Provider struct {
	mu sync.Mutex

	// TranscribeResults are returned in order, one per call. When the list
	// is exhausted the last element repeats. Nil elements model segments
	// with no recognizable speech.
	TranscribeResults []*stt.Result

	// TranscribeError, when non-nil, is returned by every call.
	TranscribeError error

	// TranscribeFunc, when non-nil, overrides all other behaviour.
	TranscribeFunc func(ctx context.Context, req stt.Request) (*stt.Result, error)

	// TranscribeCalls records every request received.
	TranscribeCalls []stt.Request
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, req)

	if p.TranscribeFunc != nil {
		return p.TranscribeFunc(ctx, req)
	}
	if p.TranscribeError != nil {
		return nil, p.TranscribeError
	}
	if len(p.TranscribeResults) == 0 {
		return nil, nil
	}
	idx := len(p.TranscribeCalls) - 1
	if idx >= len(p.TranscribeResults) {
		idx = len(p.TranscribeResults) - 1
	}
	return p.TranscribeResults[idx], nil
}

// Calls returns the number of Transcribe invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}
