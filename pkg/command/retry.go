package command

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/libris/circulation/pkg/domain"
)

// Retry re-runs the whole command on optimistic concurrency failures. Each
// attempt re-executes load, decide and append, so the retry folds whatever
// the winning writer appended before deciding again. Domain errors are never
// retried.
func Retry(attempts int, logger *slog.Logger) Middleware {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, op *Operation) (any, error) {
			var result any
			var err error

			for attempt := 1; attempt <= attempts; attempt++ {
				result, err = next(ctx, op)
				if err == nil || !domain.IsRetryable(err) {
					return result, err
				}
				if attempt == attempts {
					break
				}

				delay := conflictBackoff(attempt)
				logger.WarnContext(ctx, "concurrency conflict, retrying command",
					slog.String("command", op.Name),
					slog.String("aggregate_id", op.AggregateID),
					slog.Int("attempt", attempt),
					slog.Duration("backoff", delay),
				)

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, err
		}
	}
}

// conflictBackoff spreads colliding writers apart: exponential with jitter,
// starting at ~10ms.
func conflictBackoff(attempt int) time.Duration {
	base := 10 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}
