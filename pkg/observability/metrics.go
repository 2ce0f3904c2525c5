package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Classified error kinds recorded on metrics. The repository maps its own
// sentinel errors onto these names.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeThrottle = "throttle"
	OutcomeError    = "error"
)

// Metrics holds all metric instruments for the command history repository
type Metrics struct {
	// Repository operations
	OperationDuration metric.Float64Histogram
	OperationTotal    metric.Int64Counter

	// Fragment I/O
	FragmentReads  metric.Int64Counter
	FragmentWrites metric.Int64Counter

	// Expected failures
	Conflicts metric.Int64Counter
	Throttles metric.Int64Counter

	// Background maintenance
	ContainersPurged metric.Int64Counter
	DocumentsExpired metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram(
		"commandhistory.operation.duration",
		metric.WithDescription("Repository operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operation.duration: %w", err)
	}

	m.OperationTotal, err = meter.Int64Counter(
		"commandhistory.operation.total",
		metric.WithDescription("Total repository operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operation.total: %w", err)
	}

	m.FragmentReads, err = meter.Int64Counter(
		"commandhistory.fragment.reads",
		metric.WithDescription("Fragment blobs read"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fragment.reads: %w", err)
	}

	m.FragmentWrites, err = meter.Int64Counter(
		"commandhistory.fragment.writes",
		metric.WithDescription("Fragments written, core document included"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fragment.writes: %w", err)
	}

	m.Conflicts, err = meter.Int64Counter(
		"commandhistory.conflicts",
		metric.WithDescription("Conditional writes that lost to a concurrent writer"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating conflicts: %w", err)
	}

	m.Throttles, err = meter.Int64Counter(
		"commandhistory.throttles",
		metric.WithDescription("Operations rejected as throttled"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating throttles: %w", err)
	}

	m.ContainersPurged, err = meter.Int64Counter(
		"commandhistory.containers.purged",
		metric.WithDescription("Date-scoped blob containers deleted"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating containers.purged: %w", err)
	}

	m.DocumentsExpired, err = meter.Int64Counter(
		"commandhistory.documents.expired",
		metric.WithDescription("Core documents removed after their time to live"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating documents.expired: %w", err)
	}

	return m, nil
}

// Classifier maps an error onto one of the Outcome names.
type Classifier func(error) string

// ClassifyWith returns a Classifier that reports conflict and throttle for
// errors matching the given sentinels.
func ClassifyWith(conflict, throttle error) Classifier {
	return func(err error) string {
		switch {
		case err == nil:
			return OutcomeOK
		case errors.Is(err, conflict):
			return OutcomeConflict
		case errors.Is(err, throttle):
			return OutcomeThrottle
		default:
			return OutcomeError
		}
	}
}

// RecordOperation records one repository operation.
func (m *Metrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)

	m.OperationDuration.Record(ctx, duration.Seconds(), attrs)
	m.OperationTotal.Add(ctx, 1, attrs)

	switch outcome {
	case OutcomeConflict:
		m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	case OutcomeThrottle:
		m.Throttles.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordFragments records fragment reads or writes by fragment name.
func (m *Metrics) RecordFragments(ctx context.Context, direction string, fragments []string) {
	if m == nil {
		return
	}
	counter := m.FragmentReads
	if direction == "write" {
		counter = m.FragmentWrites
	}
	for _, f := range fragments {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("fragment", f)))
	}
}

// RecordPurge records containers deleted for one storage account.
func (m *Metrics) RecordPurge(ctx context.Context, account string, deleted int) {
	if m == nil || deleted == 0 {
		return
	}
	m.ContainersPurged.Add(ctx, int64(deleted), metric.WithAttributes(attribute.String("account", account)))
}

// RecordExpired records core documents removed by the TTL sweep.
func (m *Metrics) RecordExpired(ctx context.Context, deleted int64) {
	if m == nil || deleted == 0 {
		return
	}
	m.DocumentsExpired.Add(ctx, deleted)
}
