// Package httpapi is the HTTP boundary of the circulation services. Each
// binary builds one Server, mounts the APIs of the services it hosts and
// hands the Server to the runner. The boundary stays thin: requests are
// validated, handed to command handlers or queries, and the outcome is
// rendered; every business decision lives behind those calls.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/libris/circulation/pkg/cache"
	"github.com/libris/circulation/pkg/command"
)

// Server wraps the echo engine behind the runner.Service lifecycle.
type Server struct {
	name   string
	addr   string
	echo   *echo.Echo
	logger *slog.Logger
}

// Options tunes the shared middleware stack.
type Options struct {
	// Cache, when non-nil, serves repeated GETs from the response cache
	// for CacheTTL.
	Cache    cache.Cache
	CacheTTL time.Duration
}

// NewServer builds an HTTP server with the shared middleware stack:
// correlation IDs, request logging and the optional read cache. name scopes
// log lines and cache keys; routes are mounted on Echo() afterwards.
func NewServer(name, addr string, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		name:   name,
		addr:   addr,
		echo:   e,
		logger: logger.With("component", name),
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(Correlation())
	e.Use(s.requestLogger())
	if opts.Cache != nil {
		e.Use(CacheGET(opts.Cache, name, opts.CacheTTL))
	}

	return s
}

// Echo exposes the engine for route registration and for tests, which drive
// it directly as an http.Handler.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Health mounts GET /healthz backed by check, typically the runner's
// aggregate health check. Healthy is 204 so probes never enter the response
// cache, which only holds 200s; a failure is 503 naming the first unhealthy
// service.
func (s *Server) Health(check func(ctx context.Context) error) {
	s.echo.GET("/healthz", func(c echo.Context) error {
		if err := check(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	})
}

// Name implements runner.Service.
func (s *Server) Name() string {
	return s.name
}

// Start binds the listen address and serves in the background. The bind
// happens synchronously so a port conflict fails startup instead of logging
// from a goroutine later.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.echo.Listener = listener

	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Stop drains in-flight requests until the context expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger emits one line per request. Errors are rendered here so the
// logged status matches what the client saw; the engine's second pass through
// the error handler is a no-op once the response is committed.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", command.CorrelationFromContext(c.Request().Context()),
			)
			return err
		}
	}
}
