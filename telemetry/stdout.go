package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// StdoutTraceProvider wraps an sdktrace.TracerProvider exporting spans to
// stdout: a no-dependency way to observe task lifecycle spans in tests and
// local development, grounded on the teacher's own stdouttrace usage in
// test/simple_tracing_test.go.
type StdoutTraceProvider struct {
	tp *sdktrace.TracerProvider
}

// NewStdoutTraceProvider builds and installs a stdout-exporting
// TracerProvider as the global otel tracer provider, then resets this
// package's cached tracer so subsequent StartSpan/AddSpanEvent calls use
// it.
func NewStdoutTraceProvider(serviceName string, prettyPrint bool) (*StdoutTraceProvider, error) {
	opts := []stdouttrace.Option{}
	if prettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	Reset()
	return &StdoutTraceProvider{tp: tp}, nil
}

// Shutdown flushes and releases the underlying exporter.
func (p *StdoutTraceProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
