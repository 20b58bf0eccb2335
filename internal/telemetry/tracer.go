// Package telemetry configures OpenTelemetry tracing for pipeline
// invocations.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider when telemetry is enabled. When it
// is disabled the global no-op provider is left in place and the returned
// shutdown does nothing.
func Setup(cfg config.TelemetryConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	return InitTracer(cfg.ServiceName, os.Stdout, logger)
}

// InitTracer initializes OpenTelemetry tracing, exporting spans to w.
func InitTracer(serviceName string, w io.Writer, logger *slog.Logger) (ShutdownFunc, error) {
	tp, err := NewProvider(serviceName, w)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))

	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider that writes spans to w as JSON.
func NewProvider(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	// Create stdout exporter for development
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
