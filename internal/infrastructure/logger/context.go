package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey struct{}

// ForJob returns a logger tagged with jobID and, when ctx carries a valid
// span, its trace and span ids. The logger is also stored in the returned
// context for code further down the call chain.
func ForJob(ctx context.Context, base *zap.Logger, jobID string) (context.Context, *zap.Logger) {
	log := base.With(zap.String("job_id", jobID))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		log = log.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return context.WithValue(ctx, ctxKey{}, log), log
}

// FromContext returns the job logger stored by ForJob, or fallback
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return log
	}
	return fallback
}
