// Package telemetry provides tracing and Prometheus metrics for pipeline
// moves and workflow dispatch.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "crmflow"

// Span attribute keys.
const (
	EventIDKey      = "crmflow.event.id"
	EventTypeKey    = "crmflow.event.type"
	EventDepthKey   = "crmflow.event.depth"
	EntityKindKey   = "crmflow.entity.kind"
	EntityIDKey     = "crmflow.entity.id"
	WorkflowIDKey   = "crmflow.workflow.id"
	WorkflowNameKey = "crmflow.workflow.name"
	ActionIndexKey  = "crmflow.action.index"
	ActionTypeKey   = "crmflow.action.type"
)

// Tracer returns the process tracer. It is a no-op until Setup installs a provider.
//
//nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Setup installs an OTLP/HTTP exporter as the global tracer provider. The
// exporter reads the standard OTEL_EXPORTER_OTLP_* environment variables.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))
	return tp.Shutdown, nil
}

//nolint:ireturn,spancheck
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}
