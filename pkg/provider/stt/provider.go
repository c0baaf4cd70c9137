// Package stt defines the speech-to-text provider contract used by the
// per-connection pipeline. Implementations wrap one recognition backend and
// transcribe one audio segment per call; the caller owns batching, timeouts
// and retry policy.
package stt

import "context"

// Provider transcribes a single audio segment. Implementations must be safe
// for concurrent use: one process-wide provider serves every connection.
type Provider interface {
	// Transcribe recognizes the audio in req. It returns (nil, nil) when
	// the segment contains no recognizable speech. The caller bounds the
	// call with a context deadline.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
