package runner

import "context"

// Service is a long-running component with explicit lifecycle hooks:
// projection workers, reactors, the HTTP server.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up, returning once it is ready to do work
	// or when ctx expires.
	Start(ctx context.Context) error

	// Stop shuts the service down, finishing in-flight work within ctx.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their own
// health, surfaced through Runner.HealthCheck.
type HealthChecker interface {
	Service

	// HealthCheck returns nil while the service is able to do its work.
	HealthCheck(ctx context.Context) error
}
