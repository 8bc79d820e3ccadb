// Package observability wires OpenTelemetry tracing and metrics for
// the decision pipeline: decision rate, denial and escalation counts,
// decision latency, and proof chain appends.
package observability

import (
	"context"
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

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults that sample everything.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cognigate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the pipeline
// instruments. A disabled provider is safe to use; every recording
// method is a no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionCounter   metric.Int64Counter
	denialCounter     metric.Int64Counter
	escalationCounter metric.Int64Counter
	decisionLatency   metric.Float64Histogram
	chainAppends      metric.Int64Counter
	activeDecisions   metric.Int64UpDownCounter
}

// New creates the provider and registers it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("cognigate",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("cognigate",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisionCounter, err = p.meter.Int64Counter("cognigate.decisions.total",
		metric.WithDescription("Decisions processed, by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}

	p.denialCounter, err = p.meter.Int64Counter("cognigate.denials.total",
		metric.WithDescription("Denied actions"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}

	p.escalationCounter, err = p.meter.Int64Counter("cognigate.escalations.total",
		metric.WithDescription("Decisions routed to human review"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}

	p.decisionLatency, err = p.meter.Float64Histogram("cognigate.decision.duration",
		metric.WithDescription("Decision pipeline latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}

	p.chainAppends, err = p.meter.Int64Counter("cognigate.chain.appends.total",
		metric.WithDescription("Proof records committed to the chain"),
		metric.WithUnit("{proof}"))
	if err != nil {
		return err
	}

	p.activeDecisions, err = p.meter.Int64UpDownCounter("cognigate.decisions.active",
		metric.WithDescription("Decisions currently in flight"),
		metric.WithUnit("{decision}"))
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("cognigate")
	}
	return p.tracer
}

// RecordDecision counts one completed decision with its outcome and
// latency.
func (p *Provider) RecordDecision(ctx context.Context, action contracts.DecisionAction, tier contracts.TrustTier, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("decision", string(action)),
		attribute.String("tier", string(tier)),
	)
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, attrs)
	}
	if p.decisionLatency != nil {
		p.decisionLatency.Record(ctx, d.Seconds(), attrs)
	}
	switch action {
	case contracts.ActionDeny:
		if p.denialCounter != nil {
			p.denialCounter.Add(ctx, 1, attrs)
		}
	case contracts.ActionEscalate:
		if p.escalationCounter != nil {
			p.escalationCounter.Add(ctx, 1, attrs)
		}
	}
}

// RecordChainAppend counts one committed proof record.
func (p *Provider) RecordChainAppend(ctx context.Context) {
	if p.chainAppends != nil {
		p.chainAppends.Add(ctx, 1)
	}
}

// TrackDecision opens a span for one decision and returns a closer
// that records latency and outcome when the pipeline finishes.
func (p *Provider) TrackDecision(ctx context.Context, entityID string) (context.Context, func(contracts.DecisionAction, contracts.TrustTier, error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "guardian.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("entity.id", entityID)),
	)
	if p.activeDecisions != nil {
		p.activeDecisions.Add(ctx, 1)
	}

	return ctx, func(action contracts.DecisionAction, tier contracts.TrustTier, err error) {
		if p.activeDecisions != nil {
			p.activeDecisions.Add(ctx, -1)
		}
		p.RecordDecision(ctx, action, tier, time.Since(start))
		span.SetAttributes(
			attribute.String("decision", string(action)),
			attribute.String("tier", string(tier)),
		)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
