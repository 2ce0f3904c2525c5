package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RepositoryMiddleware provides observability for repository operations
type RepositoryMiddleware struct {
	tel      *Telemetry
	tracer   trace.Tracer
	classify Classifier
}

// NewRepositoryMiddleware creates a new repository middleware. classify maps
// operation errors onto metric outcomes.
func NewRepositoryMiddleware(tel *Telemetry, classify Classifier) *RepositoryMiddleware {
	if tel == nil {
		tel = Disabled()
	}
	if classify == nil {
		classify = ClassifyWith(nil, nil)
	}
	return &RepositoryMiddleware{
		tel:      tel,
		tracer:   tel.Tracer(TracerName),
		classify: classify,
	}
}

// Telemetry returns the wrapped telemetry stack.
func (m *RepositoryMiddleware) Telemetry() *Telemetry {
	return m.tel
}

// Wrap runs operation inside a span named "commandhistory.<name>" and records
// its duration and outcome.
func (m *RepositoryMiddleware) Wrap(ctx context.Context, name string, attrs []attribute.KeyValue, operation func(context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "commandhistory."+name,
		trace.WithAttributes(AttrOperation.String(name)),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	err := operation(ctx)
	duration := time.Since(start)

	outcome := m.classify(err)
	m.tel.Metrics.RecordOperation(ctx, name, duration, outcome)

	switch outcome {
	case OutcomeOK:
		span.SetStatus(codes.Ok, "")
	case OutcomeConflict:
		// Conflicts are expected and are not span errors.
		span.SetAttributes(attribute.Bool("conflict", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(ErrorAttrs(err)...)
	}

	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))

	return err
}
