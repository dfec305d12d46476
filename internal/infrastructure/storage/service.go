package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"sync"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = 30 * time.Second
	keyLockStripes       = 64
)

// ServiceConfig contains retention settings for the storage service
type ServiceConfig struct {
	// Retention is how long an artifact stays readable
	Retention time.Duration
	// SweepInterval is the period of the background expiry sweep
	SweepInterval time.Duration
	Logger        *zap.Logger
	Metrics       *telemetry.ConversionMetrics
	// Clock overrides time.Now in tests
	Clock func() time.Time
}

// DriverInfo describes the active driver
type DriverInfo struct {
	Type                  conversion.DriverType   `json:"type"`
	SupportsPresignedURLs bool                    `json:"supportsPresignedUrls"`
	AvailableDrivers      []conversion.DriverType `json:"availableDrivers"`
}

// Stats summarizes the metadata index
type Stats struct {
	Total     int   `json:"total"`
	Active    int   `json:"active"`
	Expired   int   `json:"expired"`
	TotalSize int64 `json:"totalSize"`
}

// Service tracks stored artifacts and their expiry on top of a Driver.
// Evicted artifacts leave a tombstone so the next read reports Expired
// rather than NotFound.
type Service struct {
	driver  Driver
	config  ServiceConfig
	logger  *zap.Logger
	metrics *telemetry.ConversionMetrics
	now     func() time.Time

	mu         sync.RWMutex
	index      map[string]*conversion.StoredArtifact
	tombstones map[string]time.Time
	// keyLocks serialize driver writes and deletes for one job's object
	keyLocks [keyLockStripes]sync.Mutex

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService creates a storage service on top of driver
func NewService(driver Driver, cfg ServiceConfig) (*Service, error) {
	if driver == nil {
		return nil, errors.New("storage driver is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Service{
		driver:     driver,
		config:     cfg,
		logger:     logger.With(zap.String("driver", string(driver.Type()))),
		metrics:    cfg.Metrics,
		now:        now,
		index:      make(map[string]*conversion.StoredArtifact),
		tombstones: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start initializes the driver, runs one sweep and then sweeps every
// SweepInterval until Shutdown.
func (s *Service) Start(ctx context.Context) error {
	if err := s.driver.Init(ctx); err != nil {
		return conversion.NewError(conversion.CodeStorageFailed, "storage driver init failed", err)
	}

	if _, err := s.SweepExpired(ctx); err != nil {
		s.logger.Warn("Initial sweep failed", zap.Error(err))
	}

	s.startOnce.Do(func() {
		go s.sweepLoop()
	})

	s.logger.Info("Storage service started",
		zap.Duration("retention", s.config.Retention),
		zap.Duration("sweep_interval", s.config.SweepInterval))
	return nil
}

func (s *Service) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(context.Background()); err != nil {
				s.logger.Warn("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Shutdown stops the sweeper and waits for it to exit
func (s *Service) Shutdown(ctx context.Context) error {
	// A service that never started has no loop to wait for
	s.startOnce.Do(func() {
		close(s.doneCh)
	})
	first := false
	s.stopOnce.Do(func() {
		close(s.stopCh)
		first = true
	})
	if !first {
		return nil
	}

	select {
	case <-s.doneCh:
		s.logger.Info("Storage service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SavePdf stores data for jobID and indexes it with an expiry of now + Retention
func (s *Service) SavePdf(ctx context.Context, jobID string, data []byte, metadata map[string]string) (*conversion.StoredArtifact, error) {
	if jobID == "" {
		return nil, conversion.NewError(conversion.CodeValidation, "job id is required", nil)
	}
	if len(data) == 0 {
		return nil, conversion.NewError(conversion.CodeValidation, "PDF data is empty", nil)
	}

	createdAt := s.now()
	md := make(map[string]string, len(metadata)+2)
	maps.Copy(md, metadata)
	md["jobId"] = jobID
	md["createdAt"] = createdAt.UTC().Format(time.RFC3339)

	key := objectKey(jobID)
	unlock := s.lockKey(jobID)
	if err := s.driver.Put(ctx, key, data, md); err != nil {
		unlock()
		s.logger.Error("Failed to store PDF", zap.String("job_id", jobID), zap.Error(err))
		return nil, conversion.NewError(conversion.CodeStorageFailed, "failed to store PDF", err)
	}

	artifact := conversion.NewStoredArtifact(jobID, key, int64(len(data)), s.driver.Type(),
		createdAt, s.config.Retention, md)

	s.mu.Lock()
	s.index[jobID] = artifact
	delete(s.tombstones, jobID)
	s.mu.Unlock()
	unlock()

	s.metrics.RecordStored(ctx, artifact.SizeBytes, string(artifact.DriverType))
	s.logger.Info("PDF stored",
		zap.String("job_id", jobID),
		zap.Int64("size", artifact.SizeBytes),
		zap.Time("expires_at", artifact.ExpiresAt))
	return cloneArtifact(artifact), nil
}

// GetPdf returns the artifact and its bytes. An artifact read past its
// expiry is evicted and reported Expired; later reads report NotFound.
func (s *Service) GetPdf(ctx context.Context, jobID string) (*conversion.StoredArtifact, []byte, error) {
	artifact, err := s.available(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.driver.Get(ctx, artifact.Key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			s.mu.Lock()
			delete(s.index, jobID)
			s.mu.Unlock()
			s.logger.Warn("Indexed PDF missing from driver", zap.String("job_id", jobID))
			return nil, nil, notFound(jobID)
		}
		return nil, nil, conversion.NewError(conversion.CodeStorageFailed, "failed to read PDF", err)
	}
	return artifact, data, nil
}

// GetStatus reports availability without consuming an Expired report
func (s *Service) GetStatus(jobID string) (conversion.ArtifactStatus, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.index[jobID]; ok {
		status := conversion.ArtifactStatus{
			JobID:      jobID,
			State:      conversion.ArtifactAvailable,
			SizeBytes:  a.SizeBytes,
			CreatedAt:  a.CreatedAt,
			ExpiresAt:  a.ExpiresAt,
			DriverType: a.DriverType,
		}
		if a.IsExpired(now) {
			status.State = conversion.ArtifactExpired
		}
		return status, nil
	}
	if _, ok := s.tombstones[jobID]; ok {
		return conversion.ArtifactStatus{JobID: jobID, State: conversion.ArtifactExpired}, nil
	}
	return conversion.ArtifactStatus{JobID: jobID, State: conversion.ArtifactMissing}, notFound(jobID)
}

// Delete removes an artifact and forgets it entirely
func (s *Service) Delete(ctx context.Context, jobID string) error {
	unlock := s.lockKey(jobID)
	defer unlock()

	if err := s.driver.Delete(ctx, objectKey(jobID)); err != nil {
		return conversion.NewError(conversion.CodeStorageFailed, "failed to delete PDF", err)
	}
	s.mu.Lock()
	delete(s.index, jobID)
	delete(s.tombstones, jobID)
	s.mu.Unlock()
	return nil
}

// SweepExpired deletes every expired artifact, leaving tombstones, and ages
// out tombstones older than Retention. It returns the number evicted.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	var expired []*conversion.StoredArtifact
	for _, a := range s.index {
		if a.IsExpired(now) {
			expired = append(expired, a)
		}
	}
	for id, evictedAt := range s.tombstones {
		if now.Sub(evictedAt) >= s.config.Retention {
			delete(s.tombstones, id)
		}
	}
	s.mu.Unlock()

	var errs []error
	swept := 0
	for _, a := range expired {
		evicted, err := s.evict(ctx, a, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", a.JobID, err))
			continue
		}
		if evicted {
			swept++
		}
	}

	if swept > 0 {
		s.metrics.RecordSwept(ctx, swept, string(s.driver.Type()))
		s.logger.Info("Expired PDFs swept", zap.Int("count", swept))
	}
	return swept, errors.Join(errs...)
}

// Presign returns a time-limited download link for an available artifact
func (s *Service) Presign(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	if !s.driver.Supports(conversion.CapabilityPresign) {
		return "", &conversion.CapabilityError{Driver: s.driver.Type(), Capability: conversion.CapabilityPresign}
	}

	artifact, err := s.available(ctx, jobID)
	if err != nil {
		return "", err
	}

	link, err := s.driver.Presign(ctx, artifact.Key, ttl)
	if err != nil {
		return "", conversion.NewError(conversion.CodeStorageFailed, "failed to presign PDF", err)
	}
	return link, nil
}

// Supports reports whether the active driver has capability c
func (s *Service) Supports(c conversion.Capability) bool {
	return s.driver.Supports(c)
}

// DriverInfo describes the active driver
func (s *Service) DriverInfo() DriverInfo {
	return DriverInfo{
		Type:                  s.driver.Type(),
		SupportsPresignedURLs: s.driver.Supports(conversion.CapabilityPresign),
		AvailableDrivers:      conversion.AllDriverTypes(),
	}
}

// Stats summarizes the index at the current time
func (s *Service) Stats() Stats {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.index)}
	for _, a := range s.index {
		if a.IsExpired(now) {
			st.Expired++
			continue
		}
		st.Active++
		st.TotalSize += a.SizeBytes
	}
	return st
}

// available returns the indexed artifact if it is still readable. An expired
// entry is evicted on the spot and reported once as Expired.
func (s *Service) available(ctx context.Context, jobID string) (*conversion.StoredArtifact, error) {
	now := s.now()

	s.mu.Lock()
	a, ok := s.index[jobID]
	if !ok {
		_, tomb := s.tombstones[jobID]
		delete(s.tombstones, jobID)
		s.mu.Unlock()
		if tomb {
			return nil, expired(jobID)
		}
		return nil, notFound(jobID)
	}
	if !a.IsExpired(now) {
		s.mu.Unlock()
		return cloneArtifact(a), nil
	}
	s.mu.Unlock()

	evicted, err := s.evict(ctx, a, time.Time{})
	if err != nil {
		s.logger.Warn("Failed to delete expired PDF", zap.String("job_id", jobID), zap.Error(err))
	}
	if !evicted && err == nil {
		// saved again while we were evicting
		return s.available(ctx, jobID)
	}
	return nil, expired(jobID)
}

// evict deletes a's object and drops it from the index, but only while a is
// still the indexed artifact for its job. A non-zero tombstone time leaves a
// tombstone behind. It reports whether a was evicted.
func (s *Service) evict(ctx context.Context, a *conversion.StoredArtifact, tombstone time.Time) (bool, error) {
	unlock := s.lockKey(a.JobID)
	defer unlock()

	s.mu.RLock()
	current := s.index[a.JobID]
	s.mu.RUnlock()
	if current != a {
		return false, nil
	}

	if err := s.driver.Delete(ctx, a.Key); err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.index, a.JobID)
	if !tombstone.IsZero() {
		s.tombstones[a.JobID] = tombstone
	}
	s.mu.Unlock()
	return true, nil
}

func (s *Service) lockKey(jobID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	m := &s.keyLocks[h.Sum32()%keyLockStripes]
	m.Lock()
	return m.Unlock
}

func expired(jobID string) error {
	return conversion.NewError(conversion.CodeArtifactExpired, fmt.Sprintf("PDF for job %s has expired", jobID), nil)
}

func notFound(jobID string) error {
	return conversion.NewError(conversion.CodeArtifactNotFound, fmt.Sprintf("PDF for job %s not found", jobID), nil)
}

func cloneArtifact(a *conversion.StoredArtifact) *conversion.StoredArtifact {
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	return &c
}
