// Package observability provides OpenTelemetry tracing for the proxy.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Config holds observability configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Enabled turns on span export; otherwise a no-op tracer is used.
	Enabled bool
	// Writer receives exported spans. Defaults to stderr.
	Writer io.Writer
	Logger *zap.Logger
}

// Observability owns the tracer provider.
type Observability struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *zap.Logger
}

// New creates the tracer. With tracing disabled it never fails.
func New(cfg Config) (*Observability, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lrap"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.1.0"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	obs := &Observability{logger: cfg.Logger}
	if !cfg.Enabled {
		obs.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		return obs, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("faas.runtime_api", "proxy"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Lambda freezes the sandbox between invocations, so export synchronously.
	obs.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
	)
	obs.tracer = obs.tracerProvider.Tracer(cfg.ServiceName)
	return obs, nil
}

// Tracer returns the tracer.
func (o *Observability) Tracer() trace.Tracer {
	return o.tracer
}

// Enabled reports whether spans are exported.
func (o *Observability) Enabled() bool {
	return o.tracerProvider != nil
}

// Shutdown flushes and stops the tracer provider.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o.tracerProvider == nil {
		return nil
	}
	if err := o.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// LogFields returns zap fields correlating a log line with the span in ctx.
func LogFields(ctx context.Context) []zap.Field {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", spanContext.TraceID().String()),
		zap.String("span_id", spanContext.SpanID().String()),
	}
}
