package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by spans and metrics
var (
	AttrJobID        = attribute.Key("job.id")
	AttrJobStatus    = attribute.Key("job.status")
	AttrSourceKind   = attribute.Key("source.kind")
	AttrPageSize     = attribute.Key("page.size")
	AttrErrorCode    = attribute.Key("error.code")
	AttrDriver       = attribute.Key("storage.driver")
	AttrCallbackKind = attribute.Key("callback.kind")
	AttrLoadStrategy = attribute.Key("render.load_strategy")
)

// RenderDurationBuckets are histogram bounds in seconds. URL renders that
// walk the whole load ladder land in the upper buckets.
var RenderDurationBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// ErrNilMeter is returned by NewConversionMetrics without a meter
var ErrNilMeter = errors.New("telemetry: meter is required")

// ConversionMetrics records pipeline activity. All methods are safe on a nil
// receiver so components can run without instrumentation.
type ConversionMetrics struct {
	jobs             metric.Int64Counter
	renderDuration   metric.Float64Histogram
	callbackFailures metric.Int64Counter
	artifactsSwept   metric.Int64Counter
	artifactBytes    metric.Int64Counter
	poolInUse        metric.Int64Gauge
}

// NewConversionMetrics registers every conversion instrument on meter
func NewConversionMetrics(meter metric.Meter) (*ConversionMetrics, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	var (
		cm  ConversionMetrics
		err error
	)
	if cm.jobs, err = meter.Int64Counter("pdf_jobs_total",
		metric.WithDescription("Conversion jobs by status transition"),
		metric.WithUnit("{jobs}"),
	); err != nil {
		return nil, instrumentError("pdf_jobs_total", err)
	}
	if cm.renderDuration, err = meter.Float64Histogram("pdf_render_duration_seconds",
		metric.WithDescription("Time spent rendering one document"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(RenderDurationBuckets...),
	); err != nil {
		return nil, instrumentError("pdf_render_duration_seconds", err)
	}
	if cm.callbackFailures, err = meter.Int64Counter("pdf_callback_failures_total",
		metric.WithDescription("Callback probes or deliveries that failed"),
		metric.WithUnit("{failures}"),
	); err != nil {
		return nil, instrumentError("pdf_callback_failures_total", err)
	}
	if cm.artifactsSwept, err = meter.Int64Counter("pdf_artifacts_swept_total",
		metric.WithDescription("Expired artifacts removed from storage"),
		metric.WithUnit("{artifacts}"),
	); err != nil {
		return nil, instrumentError("pdf_artifacts_swept_total", err)
	}
	if cm.artifactBytes, err = meter.Int64Counter("pdf_artifact_bytes_total",
		metric.WithDescription("Bytes of PDF output persisted"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, instrumentError("pdf_artifact_bytes_total", err)
	}
	if cm.poolInUse, err = meter.Int64Gauge("pdf_browser_pool_in_use",
		metric.WithDescription("Renderer instances currently checked out"),
		metric.WithUnit("{instances}"),
	); err != nil {
		return nil, instrumentError("pdf_browser_pool_in_use", err)
	}
	return &cm, nil
}

func instrumentError(name string, err error) error {
	return fmt.Errorf("failed to create instrument %s: %w", name, err)
}

// RecordJob counts a job entering status
func (m *ConversionMetrics) RecordJob(ctx context.Context, status, sourceKind string) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(AttrJobStatus.String(status), AttrSourceKind.String(sourceKind)))
}

// RecordRender records one render attempt. errorCode is empty on success.
func (m *ConversionMetrics) RecordRender(ctx context.Context, d time.Duration, sourceKind, errorCode string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrSourceKind.String(sourceKind)}
	if errorCode != "" {
		attrs = append(attrs, AttrErrorCode.String(errorCode))
	}
	m.renderDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCallbackFailure counts a failed probe or delivery
func (m *ConversionMetrics) RecordCallbackFailure(ctx context.Context, kind, errorCode string) {
	if m == nil {
		return
	}
	m.callbackFailures.Add(ctx, 1, metric.WithAttributes(AttrCallbackKind.String(kind), AttrErrorCode.String(errorCode)))
}

func (m *ConversionMetrics) RecordSwept(ctx context.Context, n int, driver string) {
	if m == nil || n <= 0 {
		return
	}
	m.artifactsSwept.Add(ctx, int64(n), metric.WithAttributes(AttrDriver.String(driver)))
}

func (m *ConversionMetrics) RecordStored(ctx context.Context, size int64, driver string) {
	if m == nil {
		return
	}
	m.artifactBytes.Add(ctx, size, metric.WithAttributes(AttrDriver.String(driver)))
}

// RecordPoolInUse reports the number of checked-out renderer instances
func (m *ConversionMetrics) RecordPoolInUse(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.poolInUse.Record(ctx, int64(n))
}
