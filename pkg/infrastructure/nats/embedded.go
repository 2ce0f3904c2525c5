// Package nats runs an in-process NATS server with JetStream for local
// development and tests of the command queues.
package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an embedded NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

type embeddedConfig struct {
	host            string
	port            int
	storeDir        string
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	token           string
	user            string
	password        string
}

// Option configures an embedded server.
type Option func(*embeddedConfig)

// WithHost sets the listen address. Defaults to 127.0.0.1.
func WithHost(host string) Option {
	return func(c *embeddedConfig) {
		c.host = host
	}
}

// WithPort sets the client port. -1 picks a random free port.
func WithPort(port int) Option {
	return func(c *embeddedConfig) {
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory. Empty uses a temporary
// directory.
func WithStoreDir(dir string) Option {
	return func(c *embeddedConfig) {
		c.storeDir = dir
	}
}

// WithReadyTimeout bounds how long to wait for the server to accept clients.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *embeddedConfig) {
		c.readyTimeout = d
	}
}

// WithToken requires clients to present token.
func WithToken(token string) Option {
	return func(c *embeddedConfig) {
		c.token = token
	}
}

// WithUserPassword requires clients to authenticate as user.
func WithUserPassword(user, password string) Option {
	return func(c *embeddedConfig) {
		c.user = user
		c.password = password
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *embeddedConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...Option) (*EmbeddedServer, error) {
	cfg := embeddedConfig{
		host:            "127.0.0.1",
		port:            -1,
		readyTimeout:    5 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := server.NewServer(&server.Options{
		Host:      cfg.host,
		Port:      cfg.port,
		JetStream: true,
		StoreDir:  cfg.storeDir,

		Authorization: cfg.token,
		Username:      cfg.user,
		Password:      cfg.password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after %s", cfg.readyTimeout)
	}

	e := &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: cfg.logger.With("component", "embedded-nats"),
	}
	e.logger.Debug("embedded NATS server ready", "url", e.url)
	return e, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server. Only the first call has an effect, and it
// waits at most five seconds. A nil server is ignored.
func (e *EmbeddedServer) Shutdown() {
	if e == nil {
		return
	}
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
			e.logger.Warn("embedded NATS server shutdown timed out")
		}
	})
}

// Connect opens a client connection to the server.
func (e *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(e.url, opts...)
}
