package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOption configures a span started by StartSpan.
type SpanOption func(trace.Span)

// WithAttributes adds attributes to the span.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a span and returns the context carrying it.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, span
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// LogAttrs returns trace_id and span_id for the span in ctx, or nothing when
// ctx carries no sampled span.
func LogAttrs(ctx context.Context) []any {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []any{"trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String()}
}

// Attribute keys shared by the command history spans.
var (
	AttrCommandID = attribute.Key("command.id")
	AttrFragments = attribute.Key("commandhistory.fragments")
	AttrOperation = attribute.Key("commandhistory.operation")

	AttrAccount   = attribute.Key("storage.account")
	AttrContainer = attribute.Key("storage.container")

	AttrErrorType = attribute.Key("error.type")
)

// CommandAttrs returns the attributes of an operation on one command.
func CommandAttrs(commandID, fragments string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrFragments.String(fragments)}
	if commandID != "" {
		attrs = append(attrs, AttrCommandID.String(commandID))
	}
	return attrs
}

// BlobAttrs returns storage location attributes. An empty container is
// omitted.
func BlobAttrs(account, container string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrAccount.String(account)}
	if container != "" {
		attrs = append(attrs, AttrContainer.String(container))
	}
	return attrs
}

// ErrorAttrs returns the Go type of err.
func ErrorAttrs(err error) []attribute.KeyValue {
	return []attribute.KeyValue{AttrErrorType.String(fmt.Sprintf("%T", err))}
}
