package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/libris/circulation/pkg/domain"
)

// Metrics counts and times every command execution. Like Tracing it binds
// to the global meter provider, so with no telemetry installed the
// instruments are no-ops and the middleware always stays in the chain.
func Metrics(meterName string) Middleware {
	if meterName == "" {
		meterName = "github.com/libris/circulation"
	}
	meter := otel.Meter(meterName)

	total, totalErr := meter.Int64Counter(
		"circulation.commands",
		metric.WithDescription("Commands executed, by operation and outcome"),
	)
	duration, durationErr := meter.Float64Histogram(
		"circulation.command.duration",
		metric.WithDescription("Command execution duration"),
		metric.WithUnit("s"),
	)
	if totalErr != nil || durationErr != nil {
		// Only invalid instrument names fail here; run without metrics
		// rather than taking the pipeline down.
		return func(next Handler) Handler { return next }
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, op *Operation) (any, error) {
			start := time.Now()
			result, err := next(ctx, op)

			attrs := []attribute.KeyValue{
				attribute.String("operation", op.Name),
			}
			if err != nil {
				attrs = append(attrs,
					attribute.String("outcome", "error"),
					attribute.String("code", domain.AsAppError(err).Code),
				)
			} else {
				attrs = append(attrs, attribute.String("outcome", "ok"))
			}

			duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
			total.Add(ctx, 1, metric.WithAttributes(attrs...))
			return result, err
		}
	}
}
