package command

import (
	"context"
	"log/slog"
	"time"
)

// Logging logs command execution with timing information using slog.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, op *Operation) (any, error) {
			start := time.Now()

			logger.InfoContext(ctx, "executing command",
				slog.String("command", op.Name),
				slog.String("aggregate_id", op.AggregateID),
				slog.String("correlation_id", op.CorrelationID),
			)

			result, err := next(ctx, op)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command failed",
					slog.String("command", op.Name),
					slog.String("aggregate_id", op.AggregateID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			logger.InfoContext(ctx, "command executed",
				slog.String("command", op.Name),
				slog.String("aggregate_id", op.AggregateID),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return result, nil
		}
	}
}
