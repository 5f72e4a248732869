package command

import "context"

// Result reports a committed command: the aggregate it touched and the
// version its last event carried.
type Result struct {
	AggregateID string `json:"id"`
	Version     int64  `json:"version"`
}

type correlationKey struct{}

// WithCorrelation stores the business interaction's correlation ID in the
// context. The HTTP layer sets it from the X-Correlation-Id header; reactors
// set it from the consumed event.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationFromContext returns the correlation ID, "" when none is set.
func CorrelationFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
