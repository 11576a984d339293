package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this process in logs, traces and the health payload.
const ServiceName = "weather-proxy"

var (
	tracerMu       sync.Mutex
	tracerProvider *sdktrace.TracerProvider
)

// InitTracing installs a global tracer provider exporting to Zipkin at zipkinURL.
// An empty URL leaves the default no-op provider in place.
func InitTracing(zipkinURL, version string) error {
	zipkinURL = strings.TrimSpace(zipkinURL)
	if zipkinURL == "" {
		return nil
	}
	exporter, err := zipkin.New(zipkinURL)
	if err != nil {
		return fmt.Errorf("zipkin exporter: %w", err)
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return fmt.Errorf("trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	tracerMu.Lock()
	tracerProvider = tp
	tracerMu.Unlock()

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// Tracer returns the service tracer. Spans are dropped unless InitTracing configured an exporter.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// ShutdownTracing flushes and stops the tracer provider installed by InitTracing.
func ShutdownTracing(ctx context.Context) error {
	tracerMu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	tracerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
