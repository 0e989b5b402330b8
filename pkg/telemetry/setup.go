// Package telemetry installs the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Options controls tracer setup.
type Options struct {
	ServiceName string
	Version     string
	// Enabled false leaves the global no-op provider in place.
	Enabled bool
	// Writer receives exported spans; nil means stdout.
	Writer io.Writer
	Logger *slog.Logger
}

// InitTracer configures a stdout span exporter and returns the provider's
// shutdown function, which flushes pending spans. Exporter failures are
// logged and tracing stays disabled.
func InitTracer(ctx context.Context, opts Options) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !opts.Enabled {
		return noop
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		logger.ErrorContext(ctx, "telemetry exporter init failed", "error", err)
		return noop
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	)
	otel.SetTracerProvider(provider)
	logger.InfoContext(ctx, "tracing enabled", "service", opts.ServiceName)

	return provider.Shutdown
}
