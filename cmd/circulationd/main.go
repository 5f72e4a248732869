// circulationd runs all three circulation services in one process against an
// embedded broker and a shared SQLite file: the development and demo
// topology. The services still talk through the bus, so splitting them into
// booksd, reservationsd and walletsd later changes deployment, not behavior.
package main

import (
	"context"
	"os"

	"github.com/libris/circulation/internal/app"
	"github.com/libris/circulation/internal/books"
	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/internal/httpapi"
	"github.com/libris/circulation/internal/reservations"
	"github.com/libris/circulation/internal/wallets"
	"github.com/libris/circulation/pkg/messaging/nats"
	"github.com/libris/circulation/pkg/observability"
	"github.com/libris/circulation/pkg/runner"
)

func main() {
	logger := app.NewLogger("circulationd")

	cfg, err := config.Load(":8080")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	tel, closeTelemetry, err := app.InitTelemetry(ctx, cfg, "circulationd", logger)
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

	bus, embedded, err := nats.NewEmbeddedEventBus(app.BusConfig(cfg, logger))
	if err != nil {
		logger.Error("start embedded broker", "error", err)
		os.Exit(1)
	}
	defer embedded.Shutdown()
	defer bus.Close()

	db := eventStore.DB()
	instrumentedStore := observability.InstrumentStore(eventStore, tel)
	instrumentedBus := observability.InstrumentBus(bus, tel)

	booksSvc, err := books.Assemble(cfg, instrumentedStore, db, instrumentedBus, logger)
	if err != nil {
		logger.Error("assemble books service", "error", err)
		os.Exit(1)
	}
	reservationsSvc, err := reservations.Assemble(cfg, instrumentedStore, db, instrumentedBus, logger)
	if err != nil {
		logger.Error("assemble reservations service", "error", err)
		os.Exit(1)
	}
	walletsSvc, err := wallets.Assemble(cfg, instrumentedStore, db, instrumentedBus, logger)
	if err != nil {
		logger.Error("assemble wallets service", "error", err)
		os.Exit(1)
	}

	responseCache := app.NewCache(cfg, logger)
	defer responseCache.Close()

	server := httpapi.NewServer("circulation-http", cfg.HTTPAddr, httpapi.Options{
		Cache:    responseCache,
		CacheTTL: cfg.CacheTTL,
	}, logger)
	httpapi.NewBooksAPI(booksSvc.Handlers, booksSvc.Queries).Register(server.Echo())
	httpapi.NewReservationsAPI(reservationsSvc.Handlers, reservationsSvc.Queries).Register(server.Echo())
	httpapi.NewWalletsAPI(walletsSvc.Handlers, walletsSvc.Queries).Register(server.Echo())

	var services []runner.Service
	services = append(services, booksSvc.Runnables()...)
	services = append(services, reservationsSvc.Runnables()...)
	services = append(services, walletsSvc.Runnables()...)
	services = append(services, server)

	r := runner.New(services, runner.WithLogger(runner.NewSlogLogger(logger)))
	server.Health(r.HealthCheck)
	if err := r.Run(ctx); err != nil {
		logger.Error("runner exited", "error", err)
		os.Exit(1)
	}
}
