package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracingConfig configures the distributed tracer the Engine spans its
// execution path through.
type TracingConfig struct {
	// Enabled controls whether spans are exported at all.
	Enabled bool

	// Exporter selects the span exporter: "otlp", "stdout" or "none".
	Exporter string

	// Endpoint is the OTLP collector address, used only when Exporter is "otlp".
	Endpoint string

	// SamplingRate is the trace sampling ratio (0.0 to 1.0).
	SamplingRate float64

	// Insecure disables TLS for the OTLP gRPC connection.
	Insecure bool
}

// DefaultTracingConfig returns a development-friendly tracing configuration:
// every span sampled, printed to stdout.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1.0,
		Insecure:     true,
	}
}

// NewTracerProvider builds and globally registers an OpenTelemetry
// TracerProvider for the engine. The returned shutdown func flushes and
// closes the exporter; callers must invoke it before process exit. When
// cfg.Enabled is false, a no-op provider is installed and tracer.Start calls
// anywhere in the engine become free no-ops.
func NewTracerProvider(ctx context.Context, cfg TracingConfig, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		provider := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(provider)
		return provider.Shutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("iacengine"),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = newOTLPExporter(ctx, cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("building %s trace exporter: %w", cfg.Exporter, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

func newOTLPExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithBlock()))
	return otlptracegrpc.New(ctx, opts...)
}

// DeploymentAttribute and ResourceAttribute tag spans the engine starts
// around a deployment's execution and an individual change, respectively.
func DeploymentAttribute(deploymentName string) attribute.KeyValue {
	return attribute.String("iacengine.deployment", deploymentName)
}

func ResourceAttribute(resourceID, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("iacengine.resource_id", resourceID),
		attribute.String("iacengine.operation", operation),
	}
}
