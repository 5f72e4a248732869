package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server with JetStream. Used by the
// all-in-one binary and by tests, so neither needs an external broker.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// EmbeddedOption configures the embedded server.
type EmbeddedOption func(*server.Options)

// WithPort fixes the listen port. The default picks a random free port.
func WithPort(port int) EmbeddedOption {
	return func(o *server.Options) { o.Port = port }
}

// WithStoreDir sets the JetStream storage directory. The default is a
// temporary directory, which suits tests but not durable deployments.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) { o.StoreDir = dir }
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled
// and waits until it accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	options := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}
	for _, opt := range opts {
		opt(options)
	}

	s, err := server.NewServer(options)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded server not ready after 5s")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// NewEmbeddedEventBus starts an embedded server and connects an EventBus to
// it. The caller owns both and shuts the bus down before the server.
func NewEmbeddedEventBus(config Config, opts ...EmbeddedOption) (*EventBus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer(opts...)
	if err != nil {
		return nil, nil, err
	}

	config.URL = srv.URL()
	bus, err := NewEventBus(config)
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}
	return bus, srv, nil
}

// Shutdown stops the embedded server gracefully. Safe to call multiple
// times; bounded so a wedged server can't hang process shutdown.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}
