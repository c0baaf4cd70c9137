// Package session implements the per-connection realtime pipeline: the
// bounded queues between workers, the five workers themselves (STT, NLP,
// extraction, outbound sender, heartbeat), and the router that accepts
// frames and drives a session from start to close.
package session

import (
	"context"
	"time"
)

// Queue is a bounded single-producer/single-consumer queue with an explicit
// wait-then-drop policy on the producer side.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue holding up to capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Put offers item, waiting up to wait when the queue is full. It reports
// whether the item was accepted; false means it was dropped.
func (q *Queue[T]) Put(ctx context.Context, item T, wait time.Duration) bool {
	select {
	case q.ch <- item:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case q.ch <- item:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// PutBlocking offers item and waits for space indefinitely (or until ctx
// ends). Used where the producer is already bounded upstream.
func (q *Queue[T]) PutBlocking(ctx context.Context, item T) bool {
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Take removes the next item, waiting up to wait. The second result is false
// when the wait expired or ctx ended.
func (q *Queue[T]) Take(ctx context.Context, wait time.Duration) (T, bool) {
	var zero T
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		return item, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// TryTake removes the next item without waiting.
func (q *Queue[T]) TryTake() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}
