package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// WithRetries runs fn, sleeping out any rate limit the server imposes
// and trying again. Every other error is returned as-is.
func WithRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	for {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var rateLimitErr *ErrRateLimited
		if errors.As(err, &rateLimitErr) {
			logger.Warn("Operation rate limited, sleeping", "duration", rateLimitErr.RetryAfter)
			select {
			case <-time.After(rateLimitErr.RetryAfter):
				logger.Debug("Finished rate limit sleep, retrying operation.")
				continue
			case <-ctx.Done():
				logger.Error("Context cancelled during rate limit sleep", "error", ctx.Err())
				var zero R
				return zero, fmt.Errorf("operation cancelled during rate limit sleep: %w", ctx.Err())
			}
		}

		var zero R
		return zero, err
	}
}

// WithRetriesVoid is WithRetries for operations with no result.
func WithRetriesVoid(ctx context.Context, logger *slog.Logger, fn func() error) error {
	_, err := WithRetries(ctx, logger, func() (any, error) {
		return nil, fn()
	})
	return err
}
