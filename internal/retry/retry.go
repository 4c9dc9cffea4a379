package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config parameterizes one retry policy. A zero Config means a single
// attempt with no per-attempt timeout.
type Config struct {
	// Label names the call site in logs and error messages.
	Label string
	// Attempts is the number of extra attempts after the first failure.
	Attempts int
	// Delay is the base wait before a re-attempt; the wait grows linearly
	// (Delay, 2*Delay, ...).
	Delay time.Duration
	// Timeout bounds each individual attempt. Zero disables the bound.
	Timeout time.Duration
	// Retryable filters which errors trigger a re-attempt. Nil retries all.
	Retryable func(error) bool
	// Logger, when set, records each failed attempt.
	Logger *slog.Logger
}

// Do invokes fn under the policy and returns the last error when all
// attempts are exhausted. The outer ctx cancels waiting between attempts
// as well as the in-flight attempt.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	attemptsMade := 0

	for attempt := 0; attempt <= cfg.Attempts; attempt++ {
		if attempt > 0 {
			wait := cfg.Delay * time.Duration(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}

		attemptsMade++
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if cfg.Logger != nil {
			cfg.Logger.Warn("Call attempt failed",
				slog.String("label", cfg.Label),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", cfg.Attempts+1),
				slog.String("error", err.Error()),
			)
		}

		// Outer cancellation is terminal, not a candidate for re-attempt.
		if ctx.Err() != nil {
			return lastErr
		}

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			break
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", cfg.Label, attemptsMade, lastErr)
}

// DeadlineExceeded reports whether err is (or wraps) a deadline expiry,
// so callers can surface a timeout kind instead of a generic failure.
func DeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
