// Package tasks hosts the background maintenance of command history storage
// as runner services: expired document sweeps, blob container purges and
// force completion of stale exports.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/commandhistory/pkg/observability"
	"github.com/plaenen/commandhistory/pkg/runner"
)

// ErrNotRunning is reported by HealthCheck before Start or after Stop.
var ErrNotRunning = errors.New("task not running")

// Option configures a periodic task.
type Option func(*Periodic)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Periodic) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTelemetry sets the tracing and metrics stack.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(p *Periodic) {
		if tel != nil {
			p.telemetry = tel
		}
	}
}

// WithRunTimeout bounds each run. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Periodic) {
		p.runTimeout = d
	}
}

// Periodic runs a function once at start and then on every interval until
// stopped. A failed run is logged and retried at the next tick.
type Periodic struct {
	name       string
	interval   time.Duration
	run        func(ctx context.Context) error
	runTimeout time.Duration
	logger     *slog.Logger
	telemetry  *observability.Telemetry
	tracer     trace.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
	lastRun time.Time
}

var (
	_ runner.Service       = (*Periodic)(nil)
	_ runner.HealthChecker = (*Periodic)(nil)
)

// NewPeriodic returns a task calling run every interval.
func NewPeriodic(name string, interval time.Duration, run func(ctx context.Context) error, opts ...Option) *Periodic {
	p := &Periodic{
		name:      name,
		interval:  interval,
		run:       run,
		logger:    slog.Default(),
		telemetry: observability.Disabled(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("task", name)
	p.tracer = p.telemetry.Tracer(observability.TracerName)
	return p
}

// Name implements runner.Service.
func (p *Periodic) Name() string {
	return p.name
}

// Start launches the loop. The loop outlives ctx and ends on Stop.
func (p *Periodic) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, p.done)

	p.logger.Info("task started", "interval", p.interval)
	return nil
}

// Stop ends the loop and waits for a run in progress to return.
func (p *Periodic) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		p.logger.Info("task stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task %s: %w", p.name, ctx.Err())
	}
}

// HealthCheck reports the error of the last run.
func (p *Periodic) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return ErrNotRunning
	}
	if p.lastErr != nil {
		return fmt.Errorf("last run at %s failed: %w", p.lastRun.Format(time.RFC3339), p.lastErr)
	}
	return nil
}

// RunOnce runs the task in the caller's goroutine.
func (p *Periodic) RunOnce(ctx context.Context) (err error) {
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, p.tracer, "tasks."+p.name)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", p.name, r)
		}
		observability.EndSpan(span, err)
		if err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "task run failed", append([]any{"error", err}, observability.LogAttrs(ctx)...)...)
		}

		p.mu.Lock()
		p.lastErr = err
		p.lastRun = time.Now()
		p.mu.Unlock()
	}()

	return p.run(ctx)
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := p.RunOnce(ctx); err == nil {
			p.logger.DebugContext(ctx, "task run finished", "duration", time.Since(start))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
