package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

const forceCompleteRetries = 3

// ExportRepository is the part of the repository the force completer uses.
type ExportRepository interface {
	QueryIncompleteExports(ctx context.Context, oldest, newest time.Time, aadOnly bool, fragments commandhistory.FragmentTypes) ([]*commandhistory.Record, error)
	RetryOnConflict(ctx context.Context, id privacy.CommandID, fragments commandhistory.FragmentTypes, maxRetries int, fn func(*commandhistory.Record) (commandhistory.FragmentTypes, error)) error
}

// AgeWindow selects exports created between MaxAge and MinAge ago.
type AgeWindow struct {
	MinAge time.Duration
	MaxAge time.Duration
}

func (w AgeWindow) bounds(now time.Time) (oldest, newest time.Time) {
	return now.Add(-w.MaxAge), now.Add(-w.MinAge)
}

// ExportForceCompleter marks exports that outlived their completion window
// as complete. Every agent that has not reported completion gets a forced
// completion and the command is marked globally complete.
type ExportForceCompleter struct {
	repo   ExportRepository
	window AgeWindow
	aad    AgeWindow
	logger *slog.Logger
	now    func() time.Time
}

// ForceCompleterOption configures an ExportForceCompleter.
type ForceCompleterOption func(*ExportForceCompleter)

// WithForceCompleterLogger sets the logger.
func WithForceCompleterLogger(logger *slog.Logger) ForceCompleterOption {
	return func(f *ExportForceCompleter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ForceCompleterOption {
	return func(f *ExportForceCompleter) {
		f.now = now
	}
}

// NewExportForceCompleter creates a completer using window for non-AAD
// subjects and aad for AAD subjects.
func NewExportForceCompleter(repo ExportRepository, window, aad AgeWindow, opts ...ForceCompleterOption) *ExportForceCompleter {
	f := &ExportForceCompleter{
		repo:   repo,
		window: window,
		aad:    aad,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "export-force-completer")
	return f
}

// Service wraps the completer as a periodic task.
func (f *ExportForceCompleter) Service(interval time.Duration, opts ...Option) *Periodic {
	return NewPeriodic("export-force-completer", interval, func(ctx context.Context) error {
		_, err := f.Run(ctx)
		return err
	}, opts...)
}

// Run force completes every stale export and returns how many commands it
// completed. A failure on one command does not stop the others.
func (f *ExportForceCompleter) Run(ctx context.Context) (int, error) {
	now := f.now().UTC()
	fragments := commandhistory.FragmentCore | commandhistory.FragmentStatus

	oldest, newest := f.window.bounds(now)
	records, err := f.repo.QueryIncompleteExports(ctx, oldest, newest, false, fragments)
	if err != nil {
		return 0, fmt.Errorf("failed to query incomplete exports: %w", err)
	}
	oldest, newest = f.aad.bounds(now)
	aadRecords, err := f.repo.QueryIncompleteExports(ctx, oldest, newest, true, fragments)
	if err != nil {
		return 0, fmt.Errorf("failed to query incomplete AAD exports: %w", err)
	}
	records = append(records, aadRecords...)

	var (
		completed int
		errs      []error
	)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		changed := false
		err := f.repo.RetryOnConflict(ctx, rec.CommandID, fragments, forceCompleteRetries, func(r *commandhistory.Record) (commandhistory.FragmentTypes, error) {
			changed = f.complete(ctx, r, now)
			if !changed {
				return commandhistory.FragmentNone, nil
			}
			// Status only changes when some agent was still pending.
			return r.ChangedFragments(), nil
		})
		switch {
		case errors.Is(err, commandhistory.ErrNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("command %s: %w", rec.CommandID, err))
		case changed:
			completed++
		}
	}

	if completed > 0 {
		f.logger.InfoContext(ctx, "stale exports force completed", "count", completed)
	}
	return completed, errors.Join(errs...)
}

// complete mutates r in place and reports whether anything changed.
func (f *ExportForceCompleter) complete(ctx context.Context, r *commandhistory.Record, now time.Time) bool {
	if r.Core == nil || r.Core.IsGloballyComplete {
		return false
	}

	for key, status := range r.StatusMap {
		if status == nil || status.IsComplete() {
			continue
		}
		if status.IngestionTime == nil {
			f.logger.WarnContext(ctx, "agent never received command",
				"command_id", r.CommandID,
				"agent_id", key.AgentID,
				"asset_group_id", key.AssetGroupID)
		}
		completedAt := now
		status.CompletedTime = &completedAt
		status.ForceCompleted = true
		status.NonTransientExceptions = "Command force completed after export age-out"
		r.Core.CompletedCommandCount++
		f.logger.DebugContext(ctx, "force completed agent",
			"command_id", r.CommandID,
			"agent_id", key.AgentID,
			"asset_group_id", key.AssetGroupID)
	}

	completedAt := now
	r.Core.IsGloballyComplete = true
	r.Core.CompletedTime = &completedAt
	return true
}
