// Package observability wires OpenTelemetry tracing and metrics for the
// command history service. Spans carry real trace ids even when no exporter
// is configured, and LogAttrs puts them on log lines.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MeterName and TracerName identify the command history instrumentation.
const (
	MeterName  = "commandhistory"
	TracerName = "github.com/plaenen/commandhistory"
)

// Config configures telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceSampleRate is the fraction of root spans sampled, 0 to 1.
	TraceSampleRate float64

	// TraceExporter receives sampled spans. Nil keeps them in process.
	TraceExporter sdktrace.SpanExporter

	// MetricReader collects metrics. Nil installs a manual reader that
	// Collect reads.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry is the initialized tracing and metrics stack.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	manual   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the providers and installs them as the otel globals.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TraceSampleRate < 0 || cfg.TraceSampleRate > 1 {
		return nil, fmt.Errorf("trace sample rate %v is outside [0, 1]", cfg.TraceSampleRate)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.TraceSampleRate))),
	}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	tel.TracerProvider = tp
	tel.shutdown = append(tel.shutdown, tp.Shutdown)

	reader := cfg.MetricReader
	if reader == nil {
		tel.manual = sdkmetric.NewManualReader()
		reader = tel.manual
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	tel.MeterProvider = mp
	tel.shutdown = append(tel.shutdown, mp.Shutdown)

	tel.Metrics, err = NewMetrics(mp.Meter(MeterName))
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg.Logger.Debug("telemetry initialized",
		"service", cfg.ServiceName,
		"sample_rate", cfg.TraceSampleRate,
		"exporting_traces", cfg.TraceExporter != nil,
		"exporting_metrics", cfg.MetricReader != nil,
	)
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Collect reads the in-process metrics. It fails when Init was given a
// MetricReader, since that reader owns collection.
func (t *Telemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if t.manual == nil {
		return rm, errors.New("metrics are collected by the configured reader")
	}
	err := t.manual.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// Tracer returns a tracer for the given name.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Disabled returns telemetry with no-op tracing and unexported metrics,
// used when callers wire nothing.
func Disabled() *Telemetry {
	mp := sdkmetric.NewMeterProvider()
	m, _ := NewMetrics(mp.Meter(MeterName))
	return &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		MeterProvider:  mp,
		Metrics:        m,
		Logger:         slog.Default(),
	}
}
