// Package runner supervises a binary's long-running services. Services
// start sequentially in registration order; on the first shutdown signal
// or context cancellation they stop concurrently under a shared deadline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Runner owns a fixed set of services for the lifetime of the process.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger routes lifecycle logs to logger instead of discarding them.
func WithLogger(logger Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithShutdownTimeout bounds how long all services together may take to
// stop. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = timeout }
}

// WithStartupTimeout bounds each individual service start. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = timeout }
}

// New builds a Runner over services. The slice order is the start order.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          nopLogger{},
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service in order and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives, then stops whatever was started. A service that
// fails to start unwinds the services before it and returns that error.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("starting services", "count", len(r.services))

	var started []Service
	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("start service", "service", svc.Name(), "error", err)
			if stopErr := r.stopAll(started); stopErr != nil {
				r.logger.Error("unwind after failed start", "error", stopErr)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
		r.logger.Info("service started", "service", svc.Name())
	}

	<-ctx.Done()
	// Release the signal handler so a second signal kills the process
	// instead of waiting out a stuck shutdown.
	stop()

	r.logger.Info("stopping services", "timeout", r.shutdownTimeout)
	return r.stopAll(started)
}

// stopAll stops services concurrently under the shutdown timeout. Stops are
// issued in reverse registration order but do not wait on each other; our
// services only share the database and the bus, which outlive the runner.
func (r *Runner) stopAll(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(services))
	for i := len(services) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int, svc Service) {
			defer wg.Done()
			if err := svc.Stop(ctx); err != nil {
				r.logger.Error("stop service", "service", svc.Name(), "error", err)
				errs[i] = fmt.Errorf("stop %s: %w", svc.Name(), err)
				return
			}
			r.logger.Info("service stopped", "service", svc.Name())
		}(i, services[i])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errors.Join(errs...)
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out after %s", r.shutdownTimeout)
	}
}

// HealthCheck reports the first unhealthy service, checking them in
// registration order. Services that do not implement HealthChecker are
// assumed healthy.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}
