// Package telemetry emits OTel-flavored counters, histograms, and span
// events for the engine's EventBus events (see Wire), grounded on the
// teacher's orchestration/task_telemetry.go emission shape and
// telemetry/metrics.go's cached-instrument pattern. A host application that
// never calls NewStdoutTraceProvider gets a safe no-op: otel's global
// tracer/meter providers default to no-op implementations, so every
// Counter/Histogram/Gauge/StartSpan call here is free until a provider is
// installed.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zuko-freemind/taskcore"

// Provider caches the tracer and metric instruments this module emits
// through, avoiding a map lookup + instrument-creation round trip on every
// lifecycle event.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

var global = newProvider()

func newProvider() *Provider {
	return &Provider{
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Reset rebuilds the global provider's tracer/meter from whatever
// TracerProvider/MeterProvider is currently registered with otel. Call this
// after otel.SetTracerProvider/otel.SetMeterProvider so cached instruments
// pick up the new provider instead of one resolved at package-init time.
func Reset() { global = newProvider() }

func (p *Provider) counter(name string) metric.Int64Counter {
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, _ := p.meter.Int64Counter(name)
	p.counters[name] = c
	return c
}

func (p *Provider) histogram(name string) metric.Float64Histogram {
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, _ := p.meter.Float64Histogram(name)
	p.histograms[name] = h
	return h
}

// Counter increments a named counter by 1 with the given label pairs.
func Counter(name string, labelPairs ...string) {
	global.counter(name).Add(context.Background(), 1, metric.WithAttributes(toAttrs(labelPairs)...))
}

// Histogram records value in a named distribution.
func Histogram(name string, value float64, labelPairs ...string) {
	global.histogram(name).Record(context.Background(), value, metric.WithAttributes(toAttrs(labelPairs)...))
}

// Gauge records a point-in-time value. OTel gauges require a registered
// callback; recording into a histogram instead gives the same "current
// value" observability without that complexity, matching the teacher's own
// documented tradeoff in telemetry/api.go.
func Gauge(name string, value float64, labelPairs ...string) {
	global.histogram(name).Record(context.Background(), value, metric.WithAttributes(toAttrs(labelPairs)...))
}

// StartSpan starts a span named name under the current global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent attaches a named event with attrs to the span in ctx, a
// no-op if ctx carries no active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError records err on the span in ctx and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func toAttrs(labelPairs []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labelPairs)/2)
	for i := 0; i+1 < len(labelPairs); i += 2 {
		attrs = append(attrs, attribute.String(labelPairs[i], labelPairs[i+1]))
	}
	return attrs
}
