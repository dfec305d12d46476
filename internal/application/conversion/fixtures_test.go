package conversion_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appconv "github.com/htmltopdf/backend/internal/application/conversion"
	domain "github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/queue"
	"github.com/htmltopdf/backend/internal/infrastructure/storage"
	"github.com/htmltopdf/backend/internal/infrastructure/webhook"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Render(ctx context.Context, src domain.Source, opts domain.PageOptions) ([]byte, error) {
	args := m.Called(ctx, src, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) ValidateReachable(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockNotifier) DeliverArtifact(ctx context.Context, url string, d webhook.ArtifactDelivery) error {
	args := m.Called(ctx, url, d)
	return args.Error(0)
}

func (m *MockNotifier) DeliverFailure(ctx context.Context, url, jobID, reason string) error {
	args := m.Called(ctx, url, jobID, reason)
	return args.Error(0)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingQueue remembers every status a job was persisted with
type recordingQueue struct {
	*queue.MemoryQueue

	mu       sync.Mutex
	statuses map[string][]domain.JobStatus
}

func newRecordingQueue(t *testing.T) *recordingQueue {
	t.Helper()
	q := queue.NewMemoryQueue(queue.Config{}, queue.WithMemoryLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = q.Close() })
	return &recordingQueue{MemoryQueue: q, statuses: map[string][]domain.JobStatus{}}
}

func (q *recordingQueue) record(job *domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[job.ID] = append(q.statuses[job.ID], job.Status)
}

func (q *recordingQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	if err := q.MemoryQueue.Enqueue(ctx, job); err != nil {
		return err
	}
	q.record(job)
	return nil
}

func (q *recordingQueue) Save(ctx context.Context, job *domain.Job) error {
	q.record(job)
	return q.MemoryQueue.Save(ctx, job)
}

func (q *recordingQueue) Retry(ctx context.Context, job *domain.Job, delay time.Duration) error {
	q.record(job)
	return q.MemoryQueue.Retry(ctx, job, delay)
}

func (q *recordingQueue) Statuses(id string) []domain.JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.JobStatus(nil), q.statuses[id]...)
}

// failingStore fails every SavePdf
type failingStore struct {
	*storage.Service
	err error
}

func (s *failingStore) SavePdf(context.Context, string, []byte, map[string]string) (*domain.StoredArtifact, error) {
	return nil, domain.NewError(domain.CodeStorageFailed, "failed to store PDF", s.err)
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	clock    *fakeClock
	queue    *recordingQueue
	store    *storage.Service
	renderer *MockRenderer
	notifier *MockNotifier
	service  *appconv.Service
}

// fastPolicy retries quickly so retry tests finish in milliseconds
func fastPolicy(attempts int) domain.RetryPolicy {
	return domain.RetryPolicy{MaxAttempts: attempts, BackoffBase: 10 * time.Millisecond, BackoffKind: domain.BackoffFixed}
}

// presignDriver adds presigned links on top of a local driver
type presignDriver struct {
	storage.Driver
	baseURL string
}

func (d *presignDriver) Type() domain.DriverType { return domain.DriverTypeS3 }

func (d *presignDriver) Supports(c domain.Capability) bool { return c == domain.CapabilityPresign }

func (d *presignDriver) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s/download/%s?ttl=%d", d.baseURL, key, int(ttl.Seconds())), nil
}

func newStore(t *testing.T, driver storage.Driver, clock *fakeClock) *storage.Service {
	t.Helper()
	svc, err := storage.NewService(driver, storage.ServiceConfig{
		Retention: 24 * time.Hour,
		Logger:    zaptest.NewLogger(t),
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	return svc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		clock:    clock,
		queue:    newRecordingQueue(t),
		store:    newStore(t, storage.NewLocalDriver(t.TempDir(), zaptest.NewLogger(t)), clock),
		renderer: new(MockRenderer),
		notifier: new(MockNotifier),
	}

	svc, err := appconv.NewService(f.renderer, f.queue, f.store, f.notifier, appconv.ServiceConfig{
		DefaultPolicy:     fastPolicy(3),
		URLCallbackPolicy: fastPolicy(2),
		Logger:            zaptest.NewLogger(t),
		Clock:             clock.Now,
	})
	require.NoError(t, err)
	f.service = svc
	return f
}

func (f *fixture) newWorker(t *testing.T, store appconv.ArtifactStore) *appconv.Worker {
	t.Helper()
	if store == nil {
		store = f.store
	}
	return appconv.NewWorker(f.queue, f.renderer, store, f.notifier, appconv.WorkerConfig{
		Concurrency: 2,
		JobTimeout:  5 * time.Second,
		Logger:      zaptest.NewLogger(t),
		Clock:       f.clock.Now,
	})
}

// claim dequeues the next job the way a consumer would
func (f *fixture) claim(t *testing.T) *domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF")
