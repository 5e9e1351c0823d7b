package tracing

import (
	"context"

	"github.com/clasak/compassiq/pkg/tracing/exporters"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs a global tracer provider. With an empty endpoint spans are dropped by the
// console exporter, so StartSpan stays cheap in local runs.
func Setup(ctx context.Context, serviceName string, config exporters.OTLPConfig) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter = &exporters.ConsoleExporter{}
	if config.Endpoint != "" {
		otlpExporter, err := exporters.NewOTLPExporter(ctx, config)
		if err != nil {
			return nil, err
		}
		exporter = otlpExporter
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetTracer(provider.Tracer(serviceName))

	return provider.Shutdown, nil
}
