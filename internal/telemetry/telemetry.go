// Package telemetry wires OpenTelemetry tracing for collaborator calls.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const ServiceName = "vivavoce"

type Config struct {
	Endpoint string
	Enabled  bool
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Setup installs a global tracer provider that exports over OTLP/HTTP.
//
// Tracing is opt-in: with no endpoint, or with Enabled false, Setup returns a
// no-op shutdown and leaves the global provider alone. Collaborator clients
// still open spans against the default no-op tracer in that case.
func Setup(ctx context.Context, cfg Config, version string) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}

	res, err := newResource(ctx, version)
	if err != nil {
		return noop, err
	}

	tp := newProvider(exporter, res)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, version string) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(ServiceName)),
	}
	if version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(version)))
	}
	return resource.New(ctx, attrs...)
}

func newProvider(exporter sdktrace.SpanExporter, res *resource.Resource) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
}
