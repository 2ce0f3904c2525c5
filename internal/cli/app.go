package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/commandhistory/pkg/blobstore"
	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/commandqueue"
	"github.com/plaenen/commandhistory/pkg/config"
	"github.com/plaenen/commandhistory/pkg/docstore"
	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/infrastructure/nats"
	"github.com/plaenen/commandhistory/pkg/observability"
	"github.com/plaenen/commandhistory/pkg/runner"
	"github.com/plaenen/commandhistory/pkg/runtime/queues"
	"github.com/plaenen/commandhistory/pkg/security/credentials"
	"github.com/plaenen/commandhistory/pkg/tasks"
)

// App is the wired storage stack.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Telemetry  *observability.Telemetry
	Flights    *flighting.Evaluator
	Docs       *docstore.Store
	Blobs      *blobstore.Store
	Queues     *queues.Service
	Repository *commandhistory.Repository

	credentials credentials.Provider
}

// OpenApp opens the document and blob stores and builds the repository.
// The queue service is created but not started; Services includes it.
func OpenApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	app.Telemetry, err = observability.Init(ctx, observability.Config{
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  cfg.Telemetry.ServiceVersion,
		Environment:     cfg.Telemetry.Environment,
		TraceSampleRate: cfg.Telemetry.TraceSampleRate,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	app.Flights, err = flighting.NewEvaluator(cfg.Flights, flighting.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to compile flights: %w", err)
	}

	app.Docs, err = docstore.Open(ctx,
		docstore.WithDSN(cfg.Documents.DSN),
		docstore.WithReadReplicas(cfg.Documents.ReadReplicas...),
		docstore.WithMaxOpenConns(cfg.Documents.MaxOpenConns),
		docstore.WithWALMode(cfg.Documents.WAL),
		docstore.WithBusyRetries(uint64(cfg.Documents.BusyRetries)),
		docstore.WithPageSize(cfg.Documents.PageSize),
		docstore.WithRetentionDays(cfg.Repository.RetentionDays),
		docstore.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	accounts := make([]blobstore.Account, 0, len(cfg.Blobs.Accounts))
	for _, a := range cfg.Blobs.Accounts {
		account, err := blobstore.OpenAccount(ctx, a.Name, a.URL)
		if err != nil {
			for _, opened := range accounts {
				opened.Bucket.Close()
			}
			return nil, err
		}
		accounts = append(accounts, account)
	}
	app.Blobs, err = blobstore.New(accounts,
		blobstore.WithContainerPrefix(cfg.Blobs.ContainerPrefix),
		blobstore.WithRetentionDays(cfg.Repository.RetentionDays),
		blobstore.WithPurgeTimeout(cfg.Blobs.PurgeTimeout),
		blobstore.WithFlights(app.Flights),
		blobstore.WithTelemetry(app.Telemetry),
		blobstore.WithLogger(logger),
	)
	if err != nil {
		for _, opened := range accounts {
			opened.Bucket.Close()
		}
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	queueOpts := []queues.Option{
		queues.WithConfig(commandqueue.Config{
			Bucket:   cfg.Queue.Bucket,
			TTL:      cfg.Queue.TTL,
			Replicas: cfg.Queue.Replicas,
		}),
		queues.WithLogger(logger),
		queues.WithTracer(app.Telemetry.Tracer(observability.TracerName)),
	}
	if cfg.Queue.Embedded {
		var embedded []nats.Option
		if cfg.Queue.StoreDir != "" {
			embedded = append(embedded, nats.WithStoreDir(cfg.Queue.StoreDir))
		}
		queueOpts = append(queueOpts, queues.WithEmbeddedOptions(embedded...))
	} else {
		queueOpts = append(queueOpts, queues.WithURL(cfg.Queue.URL))
	}
	provider, err := queueCredentials(ctx, cfg.Queue.Credentials)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		app.credentials = provider
		queueOpts = append(queueOpts, queues.WithCredentials(provider))
	}
	app.Queues = queues.New(queueOpts...)

	app.Repository, err = commandhistory.NewRepository(app.Docs, app.Blobs,
		commandhistory.WithConfig(cfg.RepositoryOptions()),
		commandhistory.WithLogger(logger),
		commandhistory.WithTelemetry(app.Telemetry),
		commandhistory.WithFlights(app.Flights),
		commandhistory.WithQueueFactory(app.Queues),
	)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Services returns the long-running services in start order: the queues,
// then every maintenance task with a positive interval.
func (a *App) Services() []runner.Service {
	opts := []tasks.Option{tasks.WithLogger(a.Logger), tasks.WithTelemetry(a.Telemetry)}
	services := []runner.Service{a.Queues}

	t := a.Config.Tasks
	if t.TTLSweepInterval > 0 {
		services = append(services, tasks.NewTTLSweeper(a.Docs, t.TTLSweepInterval, opts...))
	}
	if t.PurgeInterval > 0 {
		services = append(services, tasks.NewContainerPurger(a.Blobs, t.PurgeInterval,
			append(opts, tasks.WithRunTimeout(a.Config.Blobs.PurgeTimeout))...))
	}
	if t.ForceCompleteInterval > 0 {
		services = append(services, a.ForceCompleter().Service(t.ForceCompleteInterval, opts...))
	}
	return services
}

// ForceCompleter builds the stale export completer from the task windows.
func (a *App) ForceCompleter() *tasks.ExportForceCompleter {
	t := a.Config.Tasks
	return tasks.NewExportForceCompleter(a.Repository,
		tasks.AgeWindow{MinAge: days(t.ExportMinAgeDays), MaxAge: days(t.ExportMaxAgeDays)},
		tasks.AgeWindow{MinAge: days(t.AADExportMinAgeDays), MaxAge: days(t.AADExportMaxAgeDays)},
		tasks.WithForceCompleterLogger(a.Logger),
	)
}

// Close releases the stores and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Blobs != nil {
		errs = append(errs, a.Blobs.Close())
	}
	if a.Docs != nil {
		errs = append(errs, a.Docs.Close())
	}
	if a.credentials != nil {
		errs = append(errs, a.credentials.Close())
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// queueCredentials opens the configured credential source. It returns a nil
// interface, never a typed nil, when none is configured or opening fails.
func queueCredentials(ctx context.Context, cfg config.CredentialsConfig) (credentials.Provider, error) {
	switch {
	case cfg.File != "":
		p, err := credentials.NewSecretProvider(ctx, cfg.KeeperURL, cfg.File, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue credentials: %w", err)
		}
		return p, nil
	case cfg.TokenEnv != "":
		return credentials.NewEnvProvider(cfg.TokenEnv), nil
	}
	return nil, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
