// Package observability wires OpenTelemetry into the circulation services:
// a telemetry bootstrap with pluggable exporters, the engine's metric
// instruments, and decorators that put spans and metrics around the event
// store and the bus. Without an exporter configured everything degrades to
// no-ops, so instrumented code never checks whether telemetry is on.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// scopeName identifies this repository's instrumentation scope on every
// tracer and meter.
const scopeName = "circulation"

// Config configures telemetry for one process.
type Config struct {
	// Service names the binary (e.g. "booksd"). It becomes the
	// service.name resource attribute on every span and metric.
	Service string

	// Version and Environment are optional resource attributes.
	Version     string
	Environment string

	// SpanExporter receives finished spans. Nil disables tracing.
	SpanExporter sdktrace.SpanExporter

	// SampleRate is the fraction of new traces to record, in [0, 1].
	// Zero means everything; child spans follow their parent's decision.
	SampleRate float64

	// MetricReader collects the instruments. Nil disables metrics.
	MetricReader sdkmetric.Reader

	// Logger reports setup and shutdown. Defaults to slog.Default.
	Logger *slog.Logger
}

// Telemetry holds one process's telemetry stack.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Engine carries the instruments recorded by the store and bus
	// decorators. Always non-nil after Init; with metrics disabled the
	// instruments are no-ops.
	Engine *EngineMetrics

	logger   *slog.Logger
	shutdown []func(context.Context) error
}

// Init builds the telemetry stack and installs it as the process-global
// OpenTelemetry provider, so middleware bound to the global tracer and meter
// picks it up. Exporters left nil degrade to no-ops rather than failing, and
// W3C trace context propagation is configured either way.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.Service)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tel := &Telemetry{logger: cfg.Logger}

	if cfg.SpanExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.SpanExporter),
			sdktrace.WithSampler(sampler(cfg.SampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing enabled", "service", cfg.Service)
	} else {
		tel.TracerProvider = tracenoop.NewTracerProvider()
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		tel.MeterProvider = mp
		tel.shutdown = append(tel.shutdown, mp.Shutdown)
		otel.SetMeterProvider(mp)
		cfg.Logger.Info("metrics enabled", "service", cfg.Service)
	} else {
		tel.MeterProvider = metricnoop.NewMeterProvider()
	}

	engine, err := NewEngineMetrics(tel.MeterProvider.Meter(scopeName))
	if err != nil {
		shutdownErr := tel.Shutdown(ctx)
		return nil, errors.Join(fmt.Errorf("build engine instruments: %w", err), shutdownErr)
	}
	tel.Engine = engine

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tel, nil
}

// sampler maps the configured rate onto a parent-based sampler, so child
// spans of a recorded trace are always recorded with it.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes and stops the configured providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range t.shutdown {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracer returns a tracer from this stack's provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a meter from this stack's provider.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
