package command

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/libris/circulation/pkg/domain"
)

// Recovery converts handler panics into INTERNAL_ERROR results so one bad
// command cannot take the service down.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, op *Operation) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command", op.Name),
						slog.String("aggregate_id", op.AggregateID),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					result = nil
					err = domain.NewAppErrorf(domain.CodeInternal, "command %s panicked: %v", op.Name, r)
				}
			}()

			return next(ctx, op)
		}
	}
}
