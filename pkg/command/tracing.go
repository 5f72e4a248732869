package command

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps each command execution in an OpenTelemetry span. With no SDK
// installed the global tracer is a no-op, so the middleware always stays in
// the chain.
func Tracing(tracerName string) Middleware {
	if tracerName == "" {
		tracerName = "github.com/libris/circulation"
	}
	tracer := otel.Tracer(tracerName)

	return func(next Handler) Handler {
		return func(ctx context.Context, op *Operation) (any, error) {
			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", op.Name),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.name", op.Name),
					attribute.String("command.aggregate_id", op.AggregateID),
					attribute.String("command.correlation_id", op.CorrelationID),
				),
			)
			defer span.End()

			result, err := next(spanCtx, op)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetStatus(codes.Ok, "")
			return result, nil
		}
	}
}
