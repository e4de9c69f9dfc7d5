// Package telemetry wires OpenTelemetry tracing and metrics for the credit
// services. A nil *Provider is valid and records nothing.
package telemetry

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
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/example/credit-meter"

type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string // host:port of an OTLP gRPC collector; empty disables export
	Insecure     bool
	SampleRate   float64
}

// Provider owns the SDK providers and the instruments recorded by the engine.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	reservations    metric.Int64Counter
	creditsReserved metric.Int64Counter
	settlements     metric.Int64Counter
	creditsCharged  metric.Int64Counter
	creditsRefunded metric.Int64Counter
	sweeps          metric.Int64Counter
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// Setup builds exporters for cfg. Without an endpoint the instruments are
// still created against a local meter provider so callers need no nil checks.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	)

	p := &Provider{logger: logger.With("component", "telemetry")}

	if cfg.OTLPEndpoint == "" {
		p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		if err := p.init(); err != nil {
			return nil, err
		}
		p.logger.InfoContext(ctx, "telemetry_export_disabled")
		return p, nil
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1 || cfg.SampleRate == 0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate < 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := p.init(); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "telemetry_initialized", "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

// NewWithReader builds a Provider that reports to reader. Tests pass a
// sdkmetric.ManualReader.
func NewWithReader(reader sdkmetric.Reader) (*Provider, error) {
	p := &Provider{
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		tracerProvider: sdktrace.NewTracerProvider(),
		logger:         slog.Default(),
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) init() error {
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	p.meter = p.meterProvider.Meter(instrumentationName)

	var err error
	if p.reservations, err = p.meter.Int64Counter("credit.reservations",
		metric.WithDescription("Reservation open attempts by outcome"),
		metric.WithUnit("{reservation}")); err != nil {
		return err
	}
	if p.creditsReserved, err = p.meter.Int64Counter("credit.reserved",
		metric.WithDescription("Credits held by new reservations"),
		metric.WithUnit("{credit}")); err != nil {
		return err
	}
	if p.settlements, err = p.meter.Int64Counter("credit.settlements",
		metric.WithDescription("Settlements by terminal status and replay"),
		metric.WithUnit("{settlement}")); err != nil {
		return err
	}
	if p.creditsCharged, err = p.meter.Int64Counter("credit.charged",
		metric.WithDescription("Credits consumed by settlements"),
		metric.WithUnit("{credit}")); err != nil {
		return err
	}
	if p.creditsRefunded, err = p.meter.Int64Counter("credit.refunded",
		metric.WithDescription("Credits returned by settlements and expiries"),
		metric.WithUnit("{credit}")); err != nil {
		return err
	}
	if p.sweeps, err = p.meter.Int64Counter("credit.sweeper.reservations",
		metric.WithDescription("Reservations handled by the sweeper by result"),
		metric.WithUnit("{reservation}")); err != nil {
		return err
	}
	if p.requests, err = p.meter.Int64Counter("credit.requests",
		metric.WithDescription("Requests served by transport, route and code"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	p.requestDuration, err = p.meter.Float64Histogram("credit.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	return err
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StartSpan starts an internal span. The returned end func records err.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordReservation counts an open attempt. outcome is opened, replayed,
// insufficient or error.
func (p *Provider) RecordReservation(ctx context.Context, outcome string, amount int64) {
	if p == nil {
		return
	}
	p.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "opened" && amount > 0 {
		p.creditsReserved.Add(ctx, amount)
	}
}

func (p *Provider) RecordSettlement(ctx context.Context, status string, replayed bool, charged, refunded int64) {
	if p == nil {
		return
	}
	p.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("replayed", replayed),
	))
	if replayed {
		return
	}
	if charged > 0 {
		p.creditsCharged.Add(ctx, charged)
	}
	if refunded > 0 {
		p.creditsRefunded.Add(ctx, refunded, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordSweep counts reservations handled in one sweeper pass.
func (p *Provider) RecordSweep(ctx context.Context, expired, failed int) {
	if p == nil {
		return
	}
	if expired > 0 {
		p.sweeps.Add(ctx, int64(expired), metric.WithAttributes(attribute.String("result", "expired")))
	}
	if failed > 0 {
		p.sweeps.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
	}
}

// RecordRequest records one served request.
func (p *Provider) RecordRequest(ctx context.Context, transport, route, code string, duration time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("route", route),
		attribute.String("code", code),
	)
	p.requests.Add(ctx, 1, attrs)
	p.requestDuration.Record(ctx, duration.Seconds(), attrs)
}
