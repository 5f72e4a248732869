// booksd runs the catalog service: command handlers and queries behind the
// HTTP API, the books view projection and the reservation-validation reactor,
// all against the shared event log and broker.
package main

import (
	"context"
	"os"

	"github.com/libris/circulation/internal/app"
	"github.com/libris/circulation/internal/books"
	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/internal/httpapi"
	"github.com/libris/circulation/pkg/observability"
	"github.com/libris/circulation/pkg/runner"
)

func main() {
	logger := app.NewLogger("booksd")

	cfg, err := config.Load(":8080")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	tel, closeTelemetry, err := app.InitTelemetry(ctx, cfg, "booksd", logger)
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer closeTelemetry()

	eventStore, err := app.OpenEventStore(cfg)
	if err != nil {
		logger.Error("open event store", "error", err)
		os.Exit(1)
	}
	defer eventStore.Close()

	bus, closeBus, err := app.ConnectBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect event bus", "error", err)
		os.Exit(1)
	}
	defer closeBus()

	instrumentedStore := observability.InstrumentStore(eventStore, tel)
	instrumentedBus := observability.InstrumentBus(bus, tel)

	svc, err := books.Assemble(cfg, instrumentedStore, eventStore.DB(), instrumentedBus, logger)
	if err != nil {
		logger.Error("assemble books service", "error", err)
		os.Exit(1)
	}

	responseCache := app.NewCache(cfg, logger)
	defer responseCache.Close()

	server := httpapi.NewServer("books-http", cfg.HTTPAddr, httpapi.Options{
		Cache:    responseCache,
		CacheTTL: cfg.CacheTTL,
	}, logger)
	httpapi.NewBooksAPI(svc.Handlers, svc.Queries).Register(server.Echo())

	services := append(svc.Runnables(), server)
	r := runner.New(services, runner.WithLogger(runner.NewSlogLogger(logger)))
	server.Health(r.HealthCheck)
	if err := r.Run(ctx); err != nil {
		logger.Error("runner exited", "error", err)
		os.Exit(1)
	}
}
