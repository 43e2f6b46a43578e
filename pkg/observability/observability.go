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

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// Config configures export of engine telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC collector, host:port
	SampleRate     float64 // fraction of traces kept
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

const instrumentationName = "github.com/Mindburn-Labs/discloser"

// DefaultConfig returns the development defaults. Export is on and TLS is required.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "discloser",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider owns the tracer and meter used by the engine.
type Provider struct {
	config *Config
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	ops        *operationMetrics
	compliance *complianceMetrics
}

type operationMetrics struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// New builds a Provider. When cfg.Enabled is false nothing is exported and
// the global no-op tracer and meter are used.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if cfg.Enabled {
		if err := p.startExporters(ctx); err != nil {
			return nil, err
		}
		p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
		p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	}

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	if cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry export started",
			"endpoint", cfg.OTLPEndpoint,
			"environment", cfg.Environment,
			"sample_rate", cfg.SampleRate,
			"insecure", cfg.Insecure,
		)
	} else {
		p.logger.InfoContext(ctx, "telemetry export disabled")
	}
	return p, nil
}

// NewWithProviders builds a Provider on caller-owned providers. Tests use it
// with an sdkmetric.ManualReader to assert on recorded values.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: &Config{ServiceName: "discloser", Enabled: true},
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) startExporters(ctx context.Context) error {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(p.config.ServiceName),
		semconv.ServiceVersion(p.config.ServiceVersion),
		semconv.DeploymentEnvironment(p.config.Environment),
	))
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return fmt.Errorf("metric exporter: %w", err)
	}

	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.config.SampleRate))),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) initInstruments() error {
	m := p.Meter()
	var (
		ops operationMetrics
		err error
	)
	if ops.started, err = m.Int64Counter("discloser.operations.total",
		metric.WithDescription("Engine operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return fmt.Errorf("operations counter: %w", err)
	}
	if ops.failed, err = m.Int64Counter("discloser.operations.failed",
		metric.WithDescription("Engine operations that returned an error, by error kind"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return fmt.Errorf("failures counter: %w", err)
	}
	if ops.duration, err = m.Float64Histogram("discloser.operation.duration",
		metric.WithDescription("Engine operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60),
	); err != nil {
		return fmt.Errorf("duration histogram: %w", err)
	}
	if ops.inFlight, err = m.Int64UpDownCounter("discloser.operations.active",
		metric.WithDescription("Engine operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return fmt.Errorf("in-flight counter: %w", err)
	}
	p.ops = &ops
	return p.initComplianceMetrics()
}

// Shutdown flushes and stops the exporters. Errors are logged, not returned.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// ErrorKind names the contracts error kind err wraps, or "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		return "not_found"
	case errors.Is(err, contracts.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, contracts.ErrImmutableField):
		return "immutable_field"
	case errors.Is(err, contracts.ErrValidationRequired):
		return "validation_required"
	case errors.Is(err, contracts.ErrDuplicateActive):
		return "duplicate_active"
	case errors.Is(err, contracts.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, contracts.ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, contracts.ErrTimeoutExceeded):
		return "timeout_exceeded"
	case errors.Is(err, contracts.ErrChannelFailure):
		return "channel_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// TrackOperation opens a span named name and counts the operation. The
// returned func ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, AttrOperation.String(name))
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	p.ops.started.Add(ctx, 1, set)
	p.ops.inFlight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.ops.inFlight.Add(ctx, -1, set)
		p.ops.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			kind := ErrorKind(err)
			span.RecordError(err, trace.WithAttributes(AttrErrorKind.String(kind)))
			p.ops.failed.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrErrorKind.String(kind))...))
		}
		span.End()
	}
}
