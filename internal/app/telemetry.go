package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	_ "modernc.org/sqlite"

	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/pkg/observability"
)

// telemetryExportInterval is how often collected metrics are written out.
const telemetryExportInterval = 15 * time.Second

// InitTelemetry builds the process's telemetry stack. With TELEMETRY_DB set,
// spans and metrics are exported into that SQLite file (readable with
// telemetryctl); without it everything stays a no-op. The returned closer
// flushes the exporters and closes the telemetry database.
func InitTelemetry(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*observability.Telemetry, func(), error) {
	if cfg.TelemetryDB == "" {
		tel, err := observability.Init(ctx, observability.Config{Service: service, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return tel, func() {}, nil
	}

	db, err := sql.Open("sqlite", cfg.TelemetryDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open telemetry database: %w", err)
	}
	// One writer; the exporters serialize on it and readers go through
	// their own handle.
	db.SetMaxOpenConns(1)

	exporterCfg := observability.DefaultExporterConfig(db)
	spans, err := observability.NewSpanExporter(exporterCfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	metrics, err := observability.NewMetricExporter(exporterCfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	tel, err := observability.Init(ctx, observability.Config{
		Service:      service,
		SpanExporter: spans,
		MetricReader: sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(telemetryExportInterval)),
		Logger:       logger,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return tel, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("shut down telemetry", "error", err)
		}
		db.Close()
	}, nil
}
