// Package telemetry installs the OpenTelemetry tracer provider that records
// the commit, validation and writing spans of the transaction manager.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/tgraph/pkg/config"
)

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup builds a tracer provider exporting spans to cfg.Output, installs it as
// the global provider and returns a tracer for the manager. When tracing is
// disabled it returns a nil tracer, which leaves the manager on the global
// (no-op) provider.
func Setup(cfg config.TracingConfig, serviceVersion string) (trace.Tracer, ShutdownFunc, error) {
	if !cfg.Enabled {
		return nil, noopShutdown, nil
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		return nil, nil, fmt.Errorf("unsupported trace output %q", cfg.Output)
	}
	return SetupWithWriter(cfg, serviceVersion, out)
}

// SetupWithWriter is Setup with an explicit destination for exported spans.
func SetupWithWriter(cfg config.TracingConfig, serviceVersion string, out io.Writer) (trace.Tracer, ShutdownFunc, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", serviceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Tracer(cfg.ServiceName), tp.Shutdown, nil
}
