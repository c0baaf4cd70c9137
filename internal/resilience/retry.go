package resilience

import (
	"context"
	"fmt"
	"time"
)

// Retry calls fn up to attempts times, sleeping delay between tries. It
// returns nil on the first success, ctx.Err() if the context ends while
// waiting, and the last failure otherwise.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("resilience: %d attempts failed: %w", attempts, lastErr)
}
