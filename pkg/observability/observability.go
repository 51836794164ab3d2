// Package observability traces and measures the engine with OpenTelemetry.
//
// Every tracked operation (planning, plan execution, each action and each
// undo) gets a span, a duration sample and an in-flight gauge. Engine
// counters record what the transaction coordinator decided: aborted plans,
// downgraded or held actions, rollbacks and held events.
//
// A nil *Provider is valid and records nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/Mindburn-Labs/safeact"

// Config configures export. Telemetry stays off unless Enabled is set.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC collector, e.g. "localhost:4317"
	SampleRate     float64 // fraction of traces kept, 1 keeps all
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "safeact",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the trace and metric pipelines and the engine instruments.
type Provider struct {
	config *Config
	logger *slog.Logger
	tracer trace.Tracer

	tracers *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider

	operations metric.Int64Counter
	failures   metric.Int64Counter
	inFlight   metric.Int64UpDownCounter
	latency    metric.Float64Histogram
	aborts     metric.Int64Counter
	downgrades metric.Int64Counter
	rollbacks  metric.Int64Counter
	held       metric.Int64Counter
}

// New builds a provider. With telemetry disabled the provider falls back to
// the global no-op tracer and records no metrics.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.startPipelines(ctx, res); err != nil {
		return nil, err
	}
	p.tracer = p.tracers.Tracer(scope, trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.instrument(p.meters.Meter(scope, metric.WithInstrumentationVersion(config.ServiceVersion))); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability enabled",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) startPipelines(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	samples, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tracers = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sampler(p.config.SampleRate)),
	)
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(samples, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(p.tracers)
	otel.SetMeterProvider(p.meters)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) instrument(m metric.Meter) error {
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	p.operations = counter("safeact.operations.total", "Engine operations started", "{operation}")
	p.failures = counter("safeact.operations.failed", "Engine operations that returned an error", "{operation}")
	p.aborts = counter("safeact.plans.aborted", "Plans aborted before committing", "{plan}")
	p.downgrades = counter("safeact.actions.downgraded", "Irreversible actions replaced by a safer variant or held", "{action}")
	p.rollbacks = counter("safeact.rollbacks", "Rollbacks run after an abort, by completeness", "{rollback}")
	p.held = counter("safeact.events.held", "Events parked in the held-event queue", "{event}")

	var err error
	p.inFlight, err = m.Int64UpDownCounter("safeact.operations.active",
		metric.WithDescription("Engine operations in flight"), metric.WithUnit("{operation}"))
	errs = append(errs, err)
	p.latency, err = m.Float64Histogram("safeact.operation.duration",
		metric.WithDescription("Engine operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30),
	)
	errs = append(errs, err)
	return errors.Join(errs...)
}

// Shutdown flushes pending spans and samples.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracers != nil {
		errs = append(errs, p.tracers.Shutdown(ctx))
	}
	if p.meters != nil {
		errs = append(errs, p.meters.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "observability shutdown incomplete", "error", err)
	}
	return nil
}

// Tracer returns the engine tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// TrackOperation opens a span for name and counts the operation. The returned
// func ends it and records the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	if p == nil || p.operations == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	kv := append(attrs[:len(attrs):len(attrs)], AttrOperation.String(name))
	set := metric.WithAttributes(kv...)
	start := time.Now()
	p.operations.Add(ctx, 1, set)
	p.inFlight.Add(ctx, 1, set)
	return ctx, func(err error) {
		p.inFlight.Add(ctx, -1, set)
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			failed := append(kv[:len(kv):len(kv)], AttrErrorType.String(fmt.Sprintf("%T", err)))
			p.failures.Add(ctx, 1, metric.WithAttributes(failed...))
		}
		span.End()
	}
}

// RecordAbort counts a plan aborted in phase.
func (p *Provider) RecordAbort(ctx context.Context, phase string) {
	if p != nil && p.aborts != nil {
		p.aborts.Add(ctx, 1, metric.WithAttributes(AttrPhase.String(phase)))
	}
}

// RecordDowngrade counts an irreversible action of type from replaced by to,
// or held when to is "held".
func (p *Provider) RecordDowngrade(ctx context.Context, from, to string) {
	if p != nil && p.downgrades != nil {
		p.downgrades.Add(ctx, 1, metric.WithAttributes(AttrActionType.String(from), AttrSubstitute.String(to)))
	}
}

// RecordRollback counts a rollback and whether every undo succeeded.
func (p *Provider) RecordRollback(ctx context.Context, complete bool) {
	if p != nil && p.rollbacks != nil {
		p.rollbacks.Add(ctx, 1, metric.WithAttributes(AttrComplete.Bool(complete)))
	}
}

// RecordHeld counts an event parked in the held-event queue.
func (p *Provider) RecordHeld(ctx context.Context, kind string) {
	if p != nil && p.held != nil {
		p.held.Add(ctx, 1, metric.WithAttributes(AttrHoldKind.String(kind)))
	}
}
