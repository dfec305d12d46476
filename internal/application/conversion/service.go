package conversion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	domain "github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/queue"
	"github.com/htmltopdf/backend/internal/infrastructure/storage"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"github.com/htmltopdf/backend/internal/infrastructure/webhook"
	"go.uber.org/zap"
)

const (
	DefaultMaxHTMLBytes = 51200
	defaultPresignTTL   = time.Hour
)

// Renderer converts a source document into PDF bytes
type Renderer interface {
	Render(ctx context.Context, src domain.Source, opts domain.PageOptions) ([]byte, error)
}

// ArtifactStore is the part of storage.Service the conversion layer uses
type ArtifactStore interface {
	SavePdf(ctx context.Context, jobID string, data []byte, metadata map[string]string) (*domain.StoredArtifact, error)
	GetPdf(ctx context.Context, jobID string) (*domain.StoredArtifact, []byte, error)
	GetStatus(jobID string) (domain.ArtifactStatus, error)
	Presign(ctx context.Context, jobID string, ttl time.Duration) (string, error)
	DriverInfo() storage.DriverInfo
	Stats() storage.Stats
}

// ServiceConfig configures the conversion facade
type ServiceConfig struct {
	// MaxHTMLBytes caps sync input; larger input is rejected before rendering
	MaxHTMLBytes int
	// DefaultPolicy applies to every queued job except URL jobs with a callback
	DefaultPolicy     domain.RetryPolicy
	URLCallbackPolicy domain.RetryPolicy
	PresignTTL        time.Duration

	Logger  *zap.Logger
	Metrics *telemetry.ConversionMetrics
	Clock   func() time.Time
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxHTMLBytes <= 0 {
		c.MaxHTMLBytes = DefaultMaxHTMLBytes
	}
	if c.DefaultPolicy.MaxAttempts == 0 {
		c.DefaultPolicy = domain.DefaultRetryPolicy()
	}
	if c.URLCallbackPolicy.MaxAttempts == 0 {
		c.URLCallbackPolicy = domain.URLCallbackRetryPolicy()
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = defaultPresignTTL
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Service is the entry point for sync and async conversions
type Service struct {
	renderer Renderer
	queue    queue.Queue
	store    ArtifactStore
	notifier webhook.Notifier
	validate *validator.Validate
	config   ServiceConfig
	logger   *zap.Logger
	metrics  *telemetry.ConversionMetrics
	now      func() time.Time
}

// NewService creates a new conversion Service
func NewService(
	renderer Renderer,
	q queue.Queue,
	store ArtifactStore,
	notifier webhook.Notifier,
	cfg ServiceConfig,
) (*Service, error) {
	if renderer == nil || q == nil || store == nil || notifier == nil {
		return nil, errors.New("conversion: renderer, queue, store and notifier are required")
	}
	cfg = cfg.withDefaults()
	return &Service{
		renderer: renderer,
		queue:    q,
		store:    store,
		notifier: notifier,
		validate: newValidator(),
		config:   cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}, nil
}

// =============================================================================
// Async Operations
// =============================================================================

// Enqueue accepts a background conversion. URL jobs with a callback probe the
// callback first; if the probe fails no job is created.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	if err := validateRequest(s.validate, req); err != nil {
		return nil, err
	}

	if req.ID != "" {
		if err := s.ensureNew(ctx, req.ID); err != nil {
			return nil, err
		}
	}

	src := req.source()
	policy := s.config.DefaultPolicy
	if src.IsURL() && req.CallbackURL != "" {
		if err := s.notifier.ValidateReachable(ctx, req.CallbackURL); err != nil {
			s.logger.Warn("Rejecting job with unreachable callback",
				zap.String("callback_url", req.CallbackURL),
				zap.Error(err))
			return nil, err
		}
		policy = s.config.URLCallbackPolicy
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	job, err := domain.NewJob(id, src, pageOptions(req.PageSize, req.Orientation), req.CallbackURL, policy, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	s.metrics.RecordJob(ctx, job.Status.String(), string(src.Kind))
	s.logger.Info("Job queued",
		zap.String("job_id", job.ID),
		zap.String("source", string(src.Kind)),
		zap.Bool("has_callback", job.HasCallback()),
		zap.Int("max_attempts", policy.MaxAttempts))

	message := "PDF will be generated and available for download"
	if job.HasCallback() {
		message = "PDF will be generated and sent to the callback URL"
	}
	return &EnqueueResponse{JobID: job.ID, Status: job.Status.String(), Message: message}, nil
}

// ensureNew rejects a caller-supplied id that is already queued or retained.
// The queue repeats the check atomically on Enqueue.
func (s *Service) ensureNew(ctx context.Context, id string) error {
	_, err := s.queue.Get(ctx, id)
	switch {
	case err == nil:
		return domain.NewError(domain.CodeJobExists, fmt.Sprintf("job %s already exists", id), nil)
	case errors.Is(err, domain.ErrJobNotFound):
		return nil
	}
	return err
}

// Status returns the state of a job. Once the job record has been evicted
// the answer comes from the artifact index instead.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err == nil {
		return toStatusResponse(job), nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, err
	}

	st, serr := s.store.GetStatus(jobID)
	if serr != nil {
		return nil, err
	}
	resp := &StatusResponse{
		JobID:         jobID,
		Status:        domain.JobStatusCompleted.String(),
		CreatedAt:     st.CreatedAt,
		Size:          st.SizeBytes,
		ArtifactState: string(st.State),
		Message:       "PDF generated and available for download",
	}
	if st.State == domain.ArtifactExpired {
		resp.Message = "PDF generated but no longer available"
	}
	return resp, nil
}

// =============================================================================
// Artifact Operations
// =============================================================================

// FetchArtifact returns the stored PDF of a completed job
func (s *Service) FetchArtifact(ctx context.Context, jobID string) (*ArtifactResponse, error) {
	if jobID == "" {
		return nil, domain.NewError(domain.CodeValidation, "job id is required", nil)
	}
	artifact, data, err := s.store.GetPdf(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &ArtifactResponse{
		Data:      data,
		Filename:  artifact.Filename,
		Size:      artifact.SizeBytes,
		CreatedAt: artifact.CreatedAt,
		ExpiresAt: artifact.ExpiresAt,
	}, nil
}

// PresignLink returns a time-limited download link when the driver supports it
func (s *Service) PresignLink(ctx context.Context, req PresignRequest) (*PresignResponse, error) {
	if err := validateRequest(s.validate, req); err != nil {
		return nil, err
	}
	ttl := s.config.PresignTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	link, err := s.store.Presign(ctx, req.JobID, ttl)
	if err != nil {
		return nil, err
	}
	return &PresignResponse{URL: link, ExpiresAt: s.now().Add(ttl)}, nil
}

// DriverInfo describes the active storage driver
func (s *Service) DriverInfo() storage.DriverInfo {
	return s.store.DriverInfo()
}

// StorageStats summarizes stored artifacts
func (s *Service) StorageStats() storage.Stats {
	return s.store.Stats()
}

// =============================================================================
// Sync Operations
// =============================================================================

// ConvertSync renders small inline HTML immediately
func (s *Service) ConvertSync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if err := validateRequest(s.validate, req); err != nil {
		return nil, err
	}
	htmlSize := len(req.HTML)
	if htmlSize > s.config.MaxHTMLBytes {
		return nil, &domain.InputTooLargeError{Limit: s.config.MaxHTMLBytes, Actual: htmlSize}
	}

	ctx, span := telemetry.StartSpan(ctx, "conversion.sync",
		telemetry.AttrSourceKind.String(string(domain.SourceKindHTML)))
	defer span.End()

	data, err := s.renderer.Render(ctx, domain.HTMLSource(req.HTML), pageOptions(req.PageSize, req.Orientation))
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("Sync conversion failed", zap.Int("html_size", htmlSize), zap.Error(err))
		return nil, err
	}

	fileID := uuid.NewString()
	s.logger.Info("Sync conversion completed",
		zap.String("file_id", fileID),
		zap.Int("html_size", htmlSize),
		zap.Int("size", len(data)))
	return &SyncResponse{
		FileID:   fileID,
		Filename: fmt.Sprintf("sync_%s.pdf", fileID),
		Data:     data,
		Size:     len(data),
		HTMLSize: htmlSize,
	}, nil
}

// artifactMetadata describes a job for storage and callback metadata
func artifactMetadata(job *domain.Job) map[string]string {
	md := job.Source.Describe()
	md["pageSize"] = job.PageOptions.PageSize.String()
	md["orientation"] = job.PageOptions.Orientation.String()
	md["hasCallback"] = strconv.FormatBool(job.HasCallback())
	return md
}
