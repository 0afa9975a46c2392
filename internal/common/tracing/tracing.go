// Package tracing wires up an OpenTelemetry tracer provider that is a
// no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set, matching the teacher's
// httpmw tracing posture: ambient observability that never requires a
// collector to be present for local development.
package tracing

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Configure installs a global TracerProvider exporting via OTLP/HTTP when
// OTEL_EXPORTER_OTLP_ENDPOINT is set, and returns a shutdown func. When the
// endpoint is unset it installs the no-op provider and a no-op shutdown.
func Configure(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider (no-op if
// Configure was never called with a real endpoint).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
