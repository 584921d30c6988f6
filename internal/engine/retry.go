package engine

import (
	"context"
	"log/slog"
	"time"
)

// withRetry runs fn up to attempts times with exponential backoff starting at
// base. It returns the last error when every attempt fails, and stops early
// when ctx is canceled.
func withRetry(ctx context.Context, op string, attempts int, base time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := base * time.Duration(1<<(attempt-1))
			slog.Debug("engine retry", "op", op, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		slog.Debug("engine retry attempt failed", "op", op, "attempt", attempt, "error", lastErr)
	}
	return &TransientError{Op: op, Err: lastErr}
}
