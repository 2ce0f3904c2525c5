// Package queues runs the agent command queues as a runner.Service. It
// connects to NATS, or starts an embedded server, and serves queues from the
// JetStream key-value bucket once started.
package queues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/commandqueue"
	"github.com/plaenen/commandhistory/pkg/infrastructure/nats"
	"github.com/plaenen/commandhistory/pkg/observability"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"github.com/plaenen/commandhistory/pkg/runner"
	"github.com/plaenen/commandhistory/pkg/security/credentials"
)

// ErrNotStarted is returned before Start succeeds.
var ErrNotStarted = errors.New("queue service not started")

// Service owns the NATS connection behind the command queues.
type Service struct {
	config      commandqueue.Config
	url         string
	natsOptions []nats.Option
	credentials credentials.Provider
	logger      *slog.Logger
	tracer      trace.Tracer

	mu      sync.RWMutex
	server  *nats.EmbeddedServer
	conn    *natsgo.Conn
	factory *commandqueue.Factory
}

var (
	_ runner.Service              = (*Service)(nil)
	_ runner.HealthChecker        = (*Service)(nil)
	_ commandhistory.QueueFactory = (*Service)(nil)
)

// Option configures the queue service.
type Option func(*Service)

// WithConfig sets the queue bucket configuration.
func WithConfig(config commandqueue.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithURL connects to an external NATS server instead of starting one.
func WithURL(url string) Option {
	return func(s *Service) {
		s.url = url
	}
}

// WithEmbeddedOptions configures the embedded server used when no URL is
// set.
func WithEmbeddedOptions(opts ...nats.Option) Option {
	return func(s *Service) {
		s.natsOptions = opts
	}
}

// WithCredentials authenticates the NATS connection with credentials from
// p. An embedded server is started with the same credentials.
func WithCredentials(p credentials.Provider) Option {
	return func(s *Service) {
		s.credentials = p
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a queue service.
func New(opts ...Option) *Service {
	s := &Service{
		config: commandqueue.DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("queues"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "command-queues"
}

// Start connects to NATS and binds the queue bucket.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, s.tracer, "queues.Start")
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factory != nil {
		return nil
	}

	connectOpts := []natsgo.Option{
		natsgo.Name("commandhistory"),
		natsgo.Timeout(5 * time.Second),
		natsgo.MaxReconnects(-1),
	}
	serverOpts := append([]nats.Option{nats.WithLogger(s.logger)}, s.natsOptions...)
	if s.credentials != nil {
		creds, err := s.credentials.GetCredentials(ctx)
		if err != nil {
			return fmt.Errorf("failed to get NATS credentials: %w", err)
		}
		connectOpts = append(connectOpts, creds.NATSOptions()...)
		switch creds.Type {
		case credentials.CredentialTypeToken:
			serverOpts = append(serverOpts, nats.WithToken(creds.Token))
		case credentials.CredentialTypeUserPassword:
			serverOpts = append(serverOpts, nats.WithUserPassword(creds.User, creds.Password))
		}
		span.SetAttributes(attribute.String("nats.auth", string(creds.Type)))
	}

	url := s.url
	var srv *nats.EmbeddedServer
	if url == "" {
		s.logger.Debug("starting embedded NATS server")
		srv, err = nats.StartEmbeddedServer(serverOpts...)
		if err != nil {
			s.logger.Error("failed to start embedded NATS", "error", err)
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		url = srv.URL()
	}

	nc, err := natsgo.Connect(url, connectOpts...)
	if err != nil {
		srv.Shutdown()
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := nc.JetStream(natsgo.Context(ctx))
	if err == nil {
		s.factory, err = commandqueue.NewFactory(js, s.config, commandqueue.WithLogger(s.logger))
	}
	if err != nil {
		nc.Close()
		srv.Shutdown()
		return fmt.Errorf("failed to open command queues: %w", err)
	}

	s.server, s.conn = srv, nc
	span.SetAttributes(
		attribute.String("nats.url", url),
		attribute.String("queue.bucket", s.config.Bucket),
		attribute.Bool("nats.embedded", srv != nil),
	)
	s.logger.Info("command queues started", "url", url, "bucket", s.config.Bucket, "embedded", srv != nil)
	return nil
}

// Stop drains the connection and shuts down an embedded server.
func (s *Service) Stop(ctx context.Context) error {
	_, span := observability.StartSpan(ctx, s.tracer, "queues.Stop")
	defer observability.EndSpan(span, nil)

	s.mu.Lock()
	srv, nc := s.server, s.conn
	s.server, s.conn, s.factory = nil, nil, nil
	s.mu.Unlock()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			s.logger.Warn("error draining NATS connection", "error", err)
			nc.Close()
		}
	}
	srv.Shutdown()
	s.logger.Info("command queues stopped")
	return nil
}

// HealthCheck reports whether the NATS connection is up.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, s.tracer, "queues.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrNotStarted
	}
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", s.conn.Status())
	}
	return nil
}

// Factory returns the queue factory, or nil before Start.
func (s *Service) Factory() *commandqueue.Factory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.factory
}

// Queue implements commandhistory.QueueFactory. Before Start every queue
// reports that it supports no lease receipts.
func (s *Service) Queue(agentID privacy.AgentID, assetGroupID privacy.AssetGroupID, subjectType privacy.SubjectType, storageType privacy.QueueStorageType) commandhistory.CommandQueue {
	if f := s.Factory(); f != nil {
		return f.Queue(agentID, assetGroupID, subjectType, storageType)
	}
	return offlineQueue{}
}

type offlineQueue struct{}

func (offlineQueue) SupportsLeaseReceipt(privacy.LeaseReceipt) bool { return false }

func (offlineQueue) QueryCommand(context.Context, privacy.LeaseReceipt) (*privacy.Command, error) {
	return nil, ErrNotStarted
}
