// Package traces wires OpenTelemetry spans around the generation path:
// cache lookup, admission, dispatch, and debit.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/genmeter"

// Options configures the exporter.
type Options struct {
	Endpoint    string  // OTLP gRPC collector; empty disables tracing
	Version     string  // reported as service.version
	SampleRatio float64 // fraction of new traces kept; outside (0,1) means all
}

// Init installs the global tracer provider and returns its shutdown func.
// Without an endpoint spans go to the no-op provider.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("genmeter"),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// sampler keeps the caller's decision for propagated traces.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attributes.

func AccountID(id string) attribute.KeyValue {
	return attribute.String("account.id", id)
}

func ClientKey(key string) attribute.KeyValue {
	return attribute.String("client.key", key)
}

func ServiceType(st string) attribute.KeyValue {
	return attribute.String("service.type", st)
}

func CacheKey(key string) attribute.KeyValue {
	return attribute.String("cache.key", key)
}

func CacheStatus(status string) attribute.KeyValue {
	return attribute.String("cache.status", status)
}

func Cost(amount int64) attribute.KeyValue {
	return attribute.Int64("cost", amount)
}

func Worker(addr string) attribute.KeyValue {
	return attribute.String("worker.addr", addr)
}
