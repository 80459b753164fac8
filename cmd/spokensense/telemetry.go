package main

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Neeleshn20/spokensense/internal/config"
)

// newTraceExporter builds the span exporter selected in cfg. It returns nil
// for [config.TracesNone], which keeps spans in-process.
func newTraceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Traces {
	case config.TracesStdout:
		slog.Info("trace exporter", "exporter", "stdout")
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case config.TracesOTLP:
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		slog.Info("trace exporter", "exporter", "otlp", "endpoint", endpoint)
		return otlptracegrpc.New(ctx, opts...)
	}
	return nil, nil
}
