package queue

import (
	"context"
	"sync"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"go.uber.org/zap"
)

// record is a stored job with its eviction deadline
type record struct {
	job       *conversion.Job
	expiresAt time.Time
}

// MemoryQueue is an in-process Queue for single-instance deployments and tests
type MemoryQueue struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*record
	ready   chan string

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// MemoryOption configures a MemoryQueue
type MemoryOption func(*MemoryQueue)

// WithMemoryLogger sets a custom logger
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(q *MemoryQueue) {
		q.logger = logger
	}
}

// WithClock overrides time.Now for retention checks
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		q.now = now
	}
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(cfg Config, opts ...MemoryOption) *MemoryQueue {
	cfg = cfg.withDefaults()
	q := &MemoryQueue{
		config:  cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		records: make(map[string]*record),
		ready:   make(chan string, cfg.Capacity),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores job and marks it ready
func (q *MemoryQueue) Enqueue(ctx context.Context, job *conversion.Job) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()
	if _, ok := q.records[job.ID]; ok {
		return jobExists(job.ID)
	}

	select {
	case q.ready <- job.ID:
	default:
		return ErrQueueFull
	}
	q.records[job.ID] = &record{job: job.Clone()}
	return nil
}

// Dequeue blocks until a job is ready, ctx is done or the queue closes
func (q *MemoryQueue) Dequeue(ctx context.Context) (*conversion.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closeCh:
			return nil, ErrQueueClosed
		case id := <-q.ready:
			q.mu.Lock()
			rec, ok := q.records[id]
			q.mu.Unlock()
			if !ok {
				q.logger.Debug("Skipping evicted job", zap.String("job_id", id))
				continue
			}
			return rec.job.Clone(), nil
		}
	}
}

// Retry saves job and re-queues it once delay has passed
func (q *MemoryQueue) Retry(ctx context.Context, job *conversion.Job, delay time.Duration) error {
	if err := q.Save(ctx, job); err != nil {
		return err
	}

	// closeCh is closed under mu, so no Add can land after Close starts waiting
	q.mu.Lock()
	if q.isClosed() {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	id := job.ID
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-q.closeCh:
			return
		}
		select {
		case q.ready <- id:
		case <-q.closeCh:
		}
	}()
	return nil
}

// Save replaces the stored record; terminal jobs get an eviction deadline
func (q *MemoryQueue) Save(_ context.Context, job *conversion.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := &record{job: job.Clone()}
	if ttl := q.config.retention(job.Status); ttl > 0 {
		rec.expiresAt = q.now().Add(ttl)
	}
	q.records[job.ID] = rec
	return nil
}

// Get returns a copy of the stored job
func (q *MemoryQueue) Get(_ context.Context, id string) (*conversion.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	if q.expired(rec) {
		delete(q.records, id)
		return nil, jobNotFound(id)
	}
	return rec.job.Clone(), nil
}

// Len returns the number of stored job records
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close wakes blocked consumers and cancels pending retries
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.closeCh)
		q.mu.Unlock()
		q.wg.Wait()
	})
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}

func (q *MemoryQueue) expired(rec *record) bool {
	return !rec.expiresAt.IsZero() && !q.now().Before(rec.expiresAt)
}

func (q *MemoryQueue) evictExpiredLocked() {
	for id, rec := range q.records {
		if q.expired(rec) {
			delete(q.records, id)
		}
	}
}

var _ Queue = (*MemoryQueue)(nil)
