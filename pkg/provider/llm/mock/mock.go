// Package mock provides a test double for the llm package.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echograph/pkg/provider/llm"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider is a configurable llm.Provider mock.
type Provider struct {
	mu sync.Mutex

	// StreamChunks are emitted, in order, by every StreamCompletion call.
	StreamChunks []llm.Chunk

	// StreamError, when non-nil, is returned by StreamCompletion before
	// any chunk is emitted.
	StreamError error

	// StreamFunc, when non-nil, overrides StreamChunks/StreamError.
	StreamFunc func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error)

	// CompleteResult is returned by Complete.
	CompleteResult *llm.CompletionResponse

	// CompleteError, when non-nil, is returned by Complete.
	CompleteError error

	// CompleteFunc, when non-nil, overrides CompleteResult/CompleteError.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StreamCalls and CompleteCalls record every request received.
	StreamCalls   []llm.CompletionRequest
	CompleteCalls []llm.CompletionRequest
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	fn := p.StreamFunc
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	streamErr := p.StreamError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	fn := p.CompleteFunc
	res := p.CompleteResult
	err := p.CompleteError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &llm.CompletionResponse{}, nil
	}
	return res, nil
}

// Completes returns the number of Complete invocations so far.
func (p *Provider) Completes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Streams returns the number of StreamCompletion invocations so far.
func (p *Provider) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
