package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider pairs a provider with its shutdown hook.
type TracerProvider struct {
	trace.TracerProvider
	shutdown func(ctx context.Context) error
}

// Shutdown flushes pending spans.
func (provider TracerProvider) Shutdown(ctx context.Context) error {
	if provider.shutdown == nil {
		return nil
	}
	return provider.shutdown(ctx)
}

// NewTracerProvider exports spans as JSON lines to writer when enabled, and
// otherwise returns a no-op provider. The provider is installed globally.
func NewTracerProvider(enabled bool, writer io.Writer) (TracerProvider, error) {
	if !enabled {
		provider := noop.NewTracerProvider()
		otel.SetTracerProvider(provider)
		return TracerProvider{TracerProvider: provider}, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
	if err != nil {
		return TracerProvider{}, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return TracerProvider{TracerProvider: provider, shutdown: provider.Shutdown}, nil
}
