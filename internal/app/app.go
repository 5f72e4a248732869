// Package app assembles the infrastructure shared by every circulation
// binary: the process logger, the event store, the broker connection with
// optionally managed credentials, and the response cache. Binaries stay
// declarative; every policy lives here or in config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/pkg/cache"
	"github.com/libris/circulation/pkg/credentials"
	"github.com/libris/circulation/pkg/messaging/nats"
	"github.com/libris/circulation/pkg/store/sqlite"
)

// NewLogger builds the process logger. Every line names the service so logs
// from the all-in-one topology stay attributable.
func NewLogger(service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", service)
}

// OpenEventStore opens the shared SQLite event store at the configured DSN.
func OpenEventStore(cfg config.Config) (*sqlite.EventStore, error) {
	return sqlite.New(sqlite.WithDSN(cfg.EventStoreDSN))
}

// BusConfig translates service configuration into the broker's.
func BusConfig(cfg config.Config, logger *slog.Logger) nats.Config {
	busConfig := nats.DefaultConfig()
	busConfig.URL = cfg.NATSURL
	busConfig.StreamName = cfg.NATSStream
	busConfig.MaxDeliver = cfg.ConsumerMaxDeliver
	busConfig.AckWait = cfg.ConsumerAckWait
	busConfig.Prefetch = cfg.ConsumerPrefetch
	busConfig.Logger = logger
	return busConfig
}

// ConnectBus connects to the broker, resolving credentials through a secrets
// keeper when one is configured. The returned closer shuts down the bus and
// the credentials provider.
func ConnectBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (*nats.EventBus, func(), error) {
	creds, closeProvider, err := resolveCredentials(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	busConfig := BusConfig(cfg, logger)
	busConfig.Credentials = creds

	bus, err := nats.NewEventBus(busConfig)
	if err != nil {
		closeProvider()
		return nil, nil, err
	}

	return bus, func() {
		if err := bus.Close(); err != nil {
			logger.Error("close event bus", "error", err)
		}
		closeProvider()
	}, nil
}

// resolveCredentials picks the credentials source: a secrets keeper when
// NATS_CREDS_SECRET_URL is set, a plain .creds file when only NATS_CREDS_FILE
// is, anonymous otherwise.
func resolveCredentials(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]byte, func(), error) {
	var provider credentials.Provider

	switch {
	case cfg.NATSCredsSecretURL != "":
		p, err := credentials.NewSecretProvider(ctx, credentials.SecretConfig{
			KeeperURL:      cfg.NATSCredsSecretURL,
			CiphertextPath: cfg.NATSCredsFile,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open credentials keeper: %w", err)
		}
		provider = p

	case cfg.NATSCredsFile != "":
		p, err := credentials.NewStaticFromFile(cfg.NATSCredsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read credentials file: %w", err)
		}
		provider = p

	default:
		return nil, func() {}, nil
	}

	creds, err := provider.Credentials(ctx)
	if err != nil {
		provider.Close()
		return nil, nil, fmt.Errorf("resolve broker credentials: %w", err)
	}
	return creds.CredsFile(), func() { provider.Close() }, nil
}

// NewCache picks the response cache backend: Redis when an address is
// configured and answers, an in-process LRU otherwise.
func NewCache(cfg config.Config, logger *slog.Logger) cache.Cache {
	if cfg.RedisAddr != "" {
		if client := cache.Connect(cfg.RedisAddr, cfg.RedisPassword, 0, logger); client != nil {
			return cache.NewRedis(client, logger)
		}
	}
	return cache.NewMemory(1024, cfg.CacheTTL)
}
