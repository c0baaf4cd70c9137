// Package llm defines the Provider interface for large-language-model
// backends. Providers expose two paths: a streaming completion that yields
// text chunks as the model produces them, and a single-shot completion for
// callers that want the whole response at once.
//
// Implementations must be safe for concurrent use; one provider instance
// serves every connection in the process.
package llm

import "context"

// Provider generates text completions.
type Provider interface {
	// StreamCompletion starts a streaming completion. The returned channel
	// yields chunks as the backend produces them and is closed when the
	// stream ends. A backend failure mid-stream is delivered as a final
	// chunk with FinishReason "error". Callers must drain the channel or
	// cancel ctx to release the stream.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs the request to completion and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
