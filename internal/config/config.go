// Package config loads service configuration from the environment. A .env
// file in the working directory is merged in for development; real
// environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config carries every tunable the services read. All keys have defaults, so
// a bare environment starts a working development topology.
type Config struct {
	// HTTPAddr is the listen address of the service's HTTP API.
	HTTPAddr string

	// EventStoreDSN is the SQLite file holding the event log, the unique
	// constraint index and the read models.
	EventStoreDSN string

	// NATSURL is the broker address. NATSStream names the JetStream stream
	// capturing every event subject.
	NATSURL    string
	NATSStream string

	// NATSCredsSecretURL is a gocloud.dev/secrets keeper URL. When set, the
	// broker credentials are decrypted from the ciphertext at NATSCredsFile.
	// When only NATSCredsFile is set, it is read as a plain .creds file.
	// When neither is set, the connection is anonymous.
	NATSCredsSecretURL string
	NATSCredsFile      string

	// RedisAddr enables the shared response cache. Empty means a per-process
	// LRU instead.
	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration

	// TelemetryDB enables tracing and metrics, exported into this SQLite
	// file. Empty leaves telemetry as no-ops.
	TelemetryDB string

	// ReservationDueDays is how many days after reservation a book falls due.
	ReservationDueDays int

	// ReservationFee is charged when a reservation passes book validation.
	ReservationFee decimal.Decimal

	// LateFeePerDay accrues per day past the due date, capped at the book's
	// retail price.
	LateFeePerDay decimal.Decimal

	// PaginationDefaultLimit and PaginationMaxLimit clamp list endpoints.
	PaginationDefaultLimit int
	PaginationMaxLimit     int

	// ConsumerMaxDeliver, ConsumerAckWait and ConsumerPrefetch tune the
	// durable bus consumers.
	ConsumerMaxDeliver int
	ConsumerAckWait    time.Duration
	ConsumerPrefetch   int
}

// Load reads configuration from the environment. defaultHTTPAddr is the
// service's listen address when HTTP_ADDR is unset; each binary passes its
// own.
func Load(defaultHTTPAddr string) (Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:           getenv("HTTP_ADDR", defaultHTTPAddr),
		EventStoreDSN:      getenv("EVENTSTORE_DSN", "circulation.db"),
		NATSURL:            getenv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:         getenv("NATS_STREAM", "CIRCULATION_EVENTS"),
		NATSCredsSecretURL: os.Getenv("NATS_CREDS_SECRET_URL"),
		NATSCredsFile:      os.Getenv("NATS_CREDS_FILE"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		TelemetryDB:        os.Getenv("TELEMETRY_DB"),
	}

	var err error
	if cfg.CacheTTL, err = getseconds("CACHE_DEFAULT_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ReservationDueDays, err = getint("RESERVATION_DUE_DAYS", 5); err != nil {
		return Config{}, err
	}
	if cfg.ReservationFee, err = getdecimal("RESERVATION_FEE", decimal.NewFromInt(3)); err != nil {
		return Config{}, err
	}
	if cfg.LateFeePerDay, err = getdecimal("LATE_FEE_PER_DAY", decimal.RequireFromString("0.2")); err != nil {
		return Config{}, err
	}
	if cfg.PaginationDefaultLimit, err = getint("PAGINATION_DEFAULT_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.PaginationMaxLimit, err = getint("PAGINATION_MAX_LIMIT", 100); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerMaxDeliver, err = getint("CONSUMER_MAX_DELIVER", 5); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerAckWait, err = getseconds("CONSUMER_ACK_WAIT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerPrefetch, err = getint("CONSUMER_PREFETCH", 64); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func getdecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: %s=%q is not a decimal", key, v)
	}
	return d, nil
}

// getseconds accepts both a Go duration ("30s", "1h") and a bare number of
// seconds ("3600").
func getseconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("config: %s=%q is not a duration or seconds count", key, v)
}
