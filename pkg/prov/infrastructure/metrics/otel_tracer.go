package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
)

const instrumentationName = "github.com/tigerroll/ioprov"

// OpenTelemetryTracer is an implementation of metrics.Tracer using OpenTelemetry.
type OpenTelemetryTracer struct {
	tracer trace.Tracer
}

// NewOpenTelemetryTracer creates a tracer from provider.
func NewOpenTelemetryTracer(provider trace.TracerProvider) *OpenTelemetryTracer {
	return &OpenTelemetryTracer{tracer: provider.Tracer(instrumentationName)}
}

// NewTracerProvider exports spans over OTLP/gRPC to cfg.OTLPEndpoint and installs
// the provider globally.
func NewTracerProvider(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

func (t *OpenTelemetryTracer) StartWindowSpan(ctx context.Context, windowID string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "window.flush", trace.WithAttributes(attribute.String("window.id", windowID)))
	return ctx, func() { span.End() }
}

func (t *OpenTelemetryTracer) StartSinkSpan(ctx context.Context, sink string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "sink.write", trace.WithAttributes(attribute.String("sink", sink)))
	return ctx, func() { span.End() }
}

func (t *OpenTelemetryTracer) RecordError(ctx context.Context, module string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("module", module)))
	span.SetStatus(codes.Error, err.Error())
}

var _ metrics.Tracer = (*OpenTelemetryTracer)(nil)
