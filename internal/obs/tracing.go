package obs

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingConfig controls tracer provider initialisation for a binary.
type TracingConfig struct {
	ServiceName   string
	Endpoint      string
	Exporter      string
	SamplingRatio float64
	Environment   string
}

// InitTracer wires the global tracer provider and W3C propagation. The
// returned function flushes and shuts the provider down; callers defer it for
// the lifetime of the process. Only the OTLP/HTTP exporter is supported.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" {
		exporterName = "otlp"
	}
	if exporterName != "otlp" {
		return nil, fmt.Errorf("unsupported tracing exporter: %s", exporterName)
	}

	var exporterOpts []otlptracehttp.Option
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(endpoint))
	}
	spanExporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}
