package conversion

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/logger"
	"github.com/htmltopdf/backend/internal/infrastructure/queue"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"github.com/htmltopdf/backend/internal/infrastructure/webhook"
	"go.uber.org/zap"
)

const (
	defaultConcurrency = 5
	defaultJobTimeout  = 3 * time.Minute
	// failure notices outlive the job timeout so a timed-out job can still report
	failureNoticeTimeout = 30 * time.Second
)

// WorkerConfig holds worker configuration
type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration

	Logger  *zap.Logger
	Metrics *telemetry.ConversionMetrics
	Clock   func() time.Time
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: defaultConcurrency,
		JobTimeout:  defaultJobTimeout,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Worker consumes queued jobs: it renders them, stores the artifact and
// notifies the callback endpoint
type Worker struct {
	queue    queue.Queue
	renderer Renderer
	store    ArtifactStore
	notifier webhook.Notifier
	config   WorkerConfig
	logger   *zap.Logger
	metrics  *telemetry.ConversionMetrics
	now      func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewWorker creates a new worker
func NewWorker(q queue.Queue, renderer Renderer, store ArtifactStore, notifier webhook.Notifier, cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		queue:    q,
		renderer: renderer,
		store:    store,
		notifier: notifier,
		config:   cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}
}

// Start launches Concurrency consumers
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx, i)
	}

	w.logger.Info("Conversion worker started",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Duration("job_timeout", w.config.JobTimeout),
	)
	return nil
}

// Stop stops taking new jobs and waits for in-flight jobs to finish
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Conversion worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Conversion worker stop timed out")
		return ctx.Err()
	}
}

// consume claims jobs until ctx is cancelled or the queue closes
func (w *Worker) consume(ctx context.Context, workerID int) {
	defer w.wg.Done()

	w.logger.Debug("Consumer started", zap.Int("worker_id", workerID))
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Debug("Consumer stopping", zap.Int("worker_id", workerID))
				return
			}
			w.logger.Error("Failed to dequeue job", zap.Int("worker_id", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// in-flight jobs are not cut short by Stop
		w.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs a single claimed job to its next state
func (w *Worker) Process(ctx context.Context, job *domain.Job) {
	ctx, span := telemetry.StartSpan(ctx, "worker.process",
		telemetry.AttrJobID.String(job.ID),
		telemetry.AttrSourceKind.String(string(job.Source.Kind)))
	defer span.End()

	ctx, log := logger.ForJob(ctx, w.logger, job.ID)

	if err := job.Start(w.now()); err != nil {
		log.Warn("Skipping job that cannot be started", zap.String("status", job.Status.String()), zap.Error(err))
		return
	}
	if err := w.queue.Save(ctx, job); err != nil {
		log.Error("Failed to persist job start", zap.Error(err))
	}
	w.metrics.RecordJob(ctx, job.Status.String(), string(job.Source.Kind))
	log.Info("Processing job", zap.Int("attempt", job.Attempts), zap.Int("max_attempts", job.Policy.MaxAttempts))

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	data, err := w.renderer.Render(jobCtx, job.Source, job.PageOptions)
	if err != nil {
		telemetry.RecordError(span, err)
		w.handleRenderError(ctx, log, job, err)
		return
	}

	artifact, err := w.store.SavePdf(jobCtx, job.ID, data, artifactMetadata(job))
	if err != nil {
		telemetry.RecordError(span, err)
		w.fail(ctx, log, job, err)
		return
	}

	result := domain.Result{ArtifactKey: artifact.Key, SizeBytes: artifact.SizeBytes}
	if job.HasCallback() {
		err := w.notifier.DeliverArtifact(jobCtx, job.CallbackURL, webhook.ArtifactDelivery{
			JobID:       job.ID,
			PDF:         data,
			GeneratedAt: artifact.CreatedAt,
			Metadata:    artifactMetadata(job),
		})
		if err != nil {
			log.Error("Failed to deliver PDF to callback", zap.String("callback_url", job.CallbackURL), zap.Error(err))
		} else {
			result.CallbackDelivered = true
		}
	}

	if err := job.Complete(result, w.now()); err != nil {
		log.Error("Failed to complete job", zap.Error(err))
		return
	}
	if err := w.queue.Save(ctx, job); err != nil {
		log.Error("Failed to persist completed job", zap.Error(err))
	}
	w.metrics.RecordJob(ctx, job.Status.String(), string(job.Source.Kind))
	span.SetAttributes(telemetry.AttrJobStatus.String(job.Status.String()))
	log.Info("Job completed",
		zap.Int64("size", artifact.SizeBytes),
		zap.Bool("callback_delivered", result.CallbackDelivered))
}

// handleRenderError schedules another attempt for transient failures and
// fails the job otherwise
func (w *Worker) handleRenderError(ctx context.Context, log *zap.Logger, job *domain.Job, err error) {
	if domain.IsRetryable(err) && job.CanRetry() {
		delay := job.NextRetryDelay()
		rerr := w.queue.Retry(ctx, job, delay)
		if rerr == nil {
			log.Warn("Render failed, job scheduled for retry",
				zap.Int("attempt", job.Attempts),
				zap.Int("max_attempts", job.Policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))
			return
		}
		log.Error("Failed to schedule retry", zap.Error(rerr))
	}
	w.fail(ctx, log, job, err)
}

// fail marks the job failed and sends a best-effort failure notice
func (w *Worker) fail(ctx context.Context, log *zap.Logger, job *domain.Job, cause error) {
	if err := job.Fail(cause.Error(), w.now()); err != nil {
		log.Error("Failed to mark job failed", zap.Error(err))
		return
	}
	if err := w.queue.Save(ctx, job); err != nil {
		log.Error("Failed to persist failed job", zap.Error(err))
	}
	w.metrics.RecordJob(ctx, job.Status.String(), string(job.Source.Kind))
	log.Error("Job failed",
		zap.Int("attempts", job.Attempts),
		zap.String("error_code", string(domain.CodeOf(cause))),
		zap.Error(cause))

	if !job.HasCallback() {
		return
	}
	noticeCtx, cancel := context.WithTimeout(ctx, failureNoticeTimeout)
	defer cancel()
	if err := w.notifier.DeliverFailure(noticeCtx, job.CallbackURL, job.ID, job.FailureReason); err != nil {
		log.Warn("Failed to deliver failure notice", zap.String("callback_url", job.CallbackURL), zap.Error(err))
	}
}
