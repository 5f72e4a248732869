// Package command runs command and reactor executions through a middleware
// pipeline: logging, panic recovery, tracing, metrics and bounded retry on
// optimistic concurrency conflicts.
package command

import (
	"context"
	"fmt"
)

// Operation identifies one command execution for logging and tracing.
type Operation struct {
	// Name is the dotted command name, e.g. "books.create".
	Name string

	// AggregateID is the targeted aggregate, "" when the command creates one.
	AggregateID string

	// CorrelationID ties the execution to its business interaction.
	CorrelationID string
}

// Handler executes one command attempt.
type Handler func(ctx context.Context, op *Operation) (any, error)

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(next Handler) Handler

// Pipeline is an ordered middleware chain shared by every handler of a
// service.
type Pipeline struct {
	middleware []Middleware
}

// NewPipeline builds a pipeline. Middleware runs in the order given: the
// first middleware is outermost.
func NewPipeline(middleware ...Middleware) *Pipeline {
	return &Pipeline{middleware: middleware}
}

// Execute runs fn through the pipeline.
func (p *Pipeline) Execute(ctx context.Context, op *Operation, fn func(ctx context.Context) (any, error)) (any, error) {
	if op.Name == "" {
		return nil, fmt.Errorf("operation name is required")
	}

	handler := Handler(func(ctx context.Context, _ *Operation) (any, error) {
		return fn(ctx)
	})
	for i := len(p.middleware) - 1; i >= 0; i-- {
		handler = p.middleware[i](handler)
	}
	return handler(ctx, op)
}

// Run executes fn through the pipeline with a typed result.
func Run[T any](ctx context.Context, p *Pipeline, op *Operation, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := p.Execute(ctx, op, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("operation %s returned %T", op.Name, result)
	}
	return typed, nil
}
