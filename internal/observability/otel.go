package observability

import (
	"context"
	"errors"
	"fmt"

	"github.com/toph420/rhizome-worker/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// InitOTel configures span export to an OTLP/HTTP collector for per-stage
// pipeline instrumentation. Returns a shutdown func to be deferred by the
// caller. Returns an error if tracing is enabled without an endpoint.
func InitOTel(ctx context.Context, tel config.TelemetryConfig) (func(context.Context) error, error) {
	if !tel.TracesEnabled {
		return func(context.Context) error { return nil }, nil
	}
	if tel.OTLPEndpoint == "" {
		return nil, errors.New("otlp endpoint is required when tracing is enabled")
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithAttributes(
			semconv.ServiceName(tel.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("init resource: %w", err)
	}

	trExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(tel.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("init trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(trExp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
