// Package runner starts a set of services in order, keeps them running until
// the context ends, and stops them in reverse order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service start.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithSignalHandling also stops the services on SIGINT or SIGTERM.
func WithSignalHandling(enabled bool) Option {
	return func(r *Runner) {
		r.handleSignals = enabled
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          noopLogger{},
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services in registration order and blocks until ctx is
// cancelled. If a service fails to start, the ones already started are
// stopped and the start error is returned.
func (r *Runner) Run(ctx context.Context) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = SignalContext(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		r.logger.Debug("starting service", "service", service.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			startErr := fmt.Errorf("start service %s: %w", service.Name(), err)
			return errors.Join(startErr, r.stopServices(started))
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse order, each bounded by what is
// left of the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: shutdown timeout exceeded", svc.Name()))
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Debug("service stopped", "service", svc.Name())
	}
	return errors.Join(errs...)
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
