package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config contains OpenTelemetry configuration
type Config struct {
	// Enable tracing
	Enabled bool

	// Service name for traces
	ServiceName string

	// OTLP endpoint (e.g., localhost:4317)
	Endpoint string

	// Sampling configuration
	SamplingRatio float64

	// Connection timeout
	Timeout time.Duration
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ServiceName:   "sfstreamproxy",
		Endpoint:      "localhost:4317",
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
	}
}

// Setup initializes OpenTelemetry
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		// No-op shutdown when telemetry is disabled
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()
	logger.Info().Str("endpoint", config.Endpoint).Msg("Setting up OpenTelemetry tracing")

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(config.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
		),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(config.SamplingRatio),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan begins a span with the given attributes
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
