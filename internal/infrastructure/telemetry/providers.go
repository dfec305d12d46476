// Package telemetry wires the OpenTelemetry metrics, trace and log pipelines
// of the conversion service and defines the instruments it records.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zapcore"
)

const (
	defaultMetricsInterval = 60 * time.Second
	flushTimeout           = 10 * time.Second
	serviceVersion         = "1.0.0"
)

// Settings selects which signals are exported and where to
type Settings struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address, e.g. localhost:4317
	Endpoint string
	Insecure bool

	Traces        bool
	SamplingRatio float64

	Metrics         bool
	MetricsInterval time.Duration

	// Logs tees zap output into the collector through the otelzap bridge
	Logs bool
}

// Providers owns the SDK providers for every enabled signal. Disabled
// signals fall back to the global no-op implementations.
type Providers struct {
	settings Settings
	meter    *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
	logs     *sdklog.LoggerProvider
}

// Setup builds the enabled pipelines and installs them as the otel globals.
// On error, pipelines built so far are shut down.
func Setup(ctx context.Context, s Settings) (*Providers, error) {
	p := &Providers{settings: s}
	if !s.Traces && !s.Metrics && !s.Logs {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.setupTraces(ctx, res); err != nil {
		return nil, p.abort(err)
	}
	if err := p.setupMetrics(ctx, res); err != nil {
		return nil, p.abort(err)
	}
	if err := p.setupLogs(ctx, res); err != nil {
		return nil, p.abort(err)
	}
	return p, nil
}

func (p *Providers) setupTraces(ctx context.Context, res *resource.Resource) error {
	if !p.settings.Traces {
		return nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.settings.Endpoint)}
	if p.settings.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	p.tracer = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(p.settings.SamplingRatio)),
	)
	otel.SetTracerProvider(p.tracer)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Providers) setupMetrics(ctx context.Context, res *resource.Resource) error {
	if !p.settings.Metrics {
		return nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.settings.Endpoint)}
	if p.settings.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
	}

	interval := p.settings.MetricsInterval
	if interval <= 0 {
		interval = defaultMetricsInterval
	}
	p.meter = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meter)
	return nil
}

func (p *Providers) setupLogs(ctx context.Context, res *resource.Resource) error {
	if !p.settings.Logs {
		return nil
	}
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(p.settings.Endpoint)}
	if p.settings.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exporter, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP logs exporter: %w", err)
	}

	p.logs = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	global.SetLoggerProvider(p.logs)
	return nil
}

func (p *Providers) abort(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	return errors.Join(cause, p.Shutdown(ctx))
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Signals lists the exported signals, for startup logging
func (p *Providers) Signals() []string {
	var out []string
	if p.tracer != nil {
		out = append(out, "traces")
	}
	if p.meter != nil {
		out = append(out, "metrics")
	}
	if p.logs != nil {
		out = append(out, "logs")
	}
	return out
}

// Meter returns the service meter; a no-op meter when metrics are disabled
func (p *Providers) Meter() metric.Meter {
	if p.meter == nil {
		return otel.GetMeterProvider().Meter(p.settings.ServiceName)
	}
	return p.meter.Meter(p.settings.ServiceName)
}

// LogCore returns a core forwarding entries at or above level to the
// collector, or a no-op core when log export is off. Pass it to logger.New.
func (p *Providers) LogCore(level zapcore.Level) zapcore.Core {
	if p.logs == nil {
		return zapcore.NewNopCore()
	}
	core := otelzap.NewCore(p.settings.ServiceName, otelzap.WithLoggerProvider(p.logs))
	return &minLevelCore{Core: core, min: level}
}

// Shutdown flushes and stops every pipeline. All pipelines are attempted
// and their errors joined.
func (p *Providers) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	var errs []error
	if p.tracer != nil {
		if err := p.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
		p.tracer = nil
	}
	if p.meter != nil {
		if err := p.meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
		p.meter = nil
	}
	if p.logs != nil {
		if err := p.logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger provider: %w", err))
		}
		p.logs = nil
	}
	return errors.Join(errs...)
}

// minLevelCore filters entries below min; the otelzap core accepts every level
type minLevelCore struct {
	zapcore.Core
	min zapcore.Level
}

func (c *minLevelCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && c.Core.Enabled(lvl)
}

func (c *minLevelCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return ce
	}
	return c.Core.Check(entry, ce)
}

func (c *minLevelCore) With(fields []zapcore.Field) zapcore.Core {
	return &minLevelCore{Core: c.Core.With(fields), min: c.min}
}
