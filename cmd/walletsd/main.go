// walletsd runs the wallet service: wallet commands and queries behind the
// HTTP API, the wallets view projection and the fee-collection reactor, all
// against the shared event log and broker.
package main

import (
	"context"
	"os"

	"github.com/libris/circulation/internal/app"
	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/internal/httpapi"
	"github.com/libris/circulation/internal/wallets"
	"github.com/libris/circulation/pkg/observability"
	"github.com/libris/circulation/pkg/runner"
)

func main() {
	logger := app.NewLogger("walletsd")

	cfg, err := config.Load(":8082")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	tel, closeTelemetry, err := app.InitTelemetry(ctx, cfg, "walletsd", logger)
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

	svc, err := wallets.Assemble(cfg, instrumentedStore, eventStore.DB(), instrumentedBus, logger)
	if err != nil {
		logger.Error("assemble wallets service", "error", err)
		os.Exit(1)
	}

	responseCache := app.NewCache(cfg, logger)
	defer responseCache.Close()

	server := httpapi.NewServer("wallets-http", cfg.HTTPAddr, httpapi.Options{
		Cache:    responseCache,
		CacheTTL: cfg.CacheTTL,
	}, logger)
	httpapi.NewWalletsAPI(svc.Handlers, svc.Queries).Register(server.Echo())

	services := append(svc.Runnables(), server)
	r := runner.New(services, runner.WithLogger(runner.NewSlogLogger(logger)))
	server.Health(r.HealthCheck)
	if err := r.Run(ctx); err != nil {
		logger.Error("runner exited", "error", err)
		os.Exit(1)
	}
}
