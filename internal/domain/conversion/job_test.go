package conversion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestJob(t *testing.T) *Job {
	t.Helper()
	job, err := NewJob("job-1", HTMLSource("<html><body>x</body></html>"), PageOptions{}, "", DefaultRetryPolicy(), testNow)
	require.NoError(t, err)
	return job
}

func TestNewJob(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		source    Source
		opts      PageOptions
		policy    RetryPolicy
		expectErr bool
	}{
		{name: "html source with defaults", id: "a", source: HTMLSource("<p>x</p>"), policy: DefaultRetryPolicy()},
		{name: "url source", id: "b", source: URLSource("https://example.com"), opts: PageOptions{PageSize: PageSizeSquare, Orientation: OrientationLandscape}, policy: URLCallbackRetryPolicy()},
		{name: "empty id", id: " ", source: HTMLSource("<p>x</p>"), policy: DefaultRetryPolicy(), expectErr: true},
		{name: "empty html", id: "c", source: HTMLSource("   "), policy: DefaultRetryPolicy(), expectErr: true},
		{name: "both variants populated", id: "d", source: Source{Kind: SourceKindHTML, HTML: "x", URL: "https://a.b"}, policy: DefaultRetryPolicy(), expectErr: true},
		{name: "non http url", id: "e", source: URLSource("ftp://example.com/file"), policy: DefaultRetryPolicy(), expectErr: true},
		{name: "invalid page size", id: "f", source: HTMLSource("x"), opts: PageOptions{PageSize: "B5"}, policy: DefaultRetryPolicy(), expectErr: true},
		{name: "zero attempts", id: "g", source: HTMLSource("x"), policy: RetryPolicy{BackoffKind: BackoffFixed}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := NewJob(tt.id, tt.source, tt.opts, "", tt.policy, testNow)
			if tt.expectErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, JobStatusQueued, job.Status)
			assert.Equal(t, 0, job.Attempts)
			assert.True(t, job.PageOptions.PageSize.IsValid())
			assert.True(t, job.PageOptions.Orientation.IsValid())
			assert.Equal(t, testNow, job.CreatedAt)
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := newTestJob(t)

	require.NoError(t, job.Start(testNow))
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.CanRetry())

	// re-claim after backoff keeps the job processing
	require.NoError(t, job.Start(testNow.Add(2*time.Second)))
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, job.Complete(Result{ArtifactKey: "job-1", SizeBytes: 42}, testNow.Add(3*time.Second)))
	assert.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, int64(42), job.Result.SizeBytes)

	err := job.Start(testNow.Add(4 * time.Second))
	assert.ErrorIs(t, err, ErrInvalidState)
	err = job.Fail("late", testNow)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, job.CanRetry())
}

func TestJob_CompleteRequiresProcessing(t *testing.T) {
	job := newTestJob(t)
	err := job.Complete(Result{}, testNow)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestJob_FailFromQueued(t *testing.T) {
	job := newTestJob(t)
	require.NoError(t, job.Fail("", testNow))
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "unknown error", job.FailureReason)
}

func TestJob_RetryBudget(t *testing.T) {
	job := newTestJob(t)
	for i := 0; i < job.Policy.MaxAttempts; i++ {
		require.NoError(t, job.Start(testNow))
	}
	assert.False(t, job.CanRetry())
	assert.Equal(t, 8*time.Second, job.NextRetryDelay())
}

func TestJob_Clone(t *testing.T) {
	job := newTestJob(t)
	require.NoError(t, job.Start(testNow))
	require.NoError(t, job.Complete(Result{ArtifactKey: "k", SizeBytes: 1}, testNow))

	c := job.Clone()
	c.Result.SizeBytes = 99
	*c.CompletedAt = testNow.Add(time.Hour)

	assert.Equal(t, int64(1), job.Result.SizeBytes)
	assert.Equal(t, testNow, *job.CompletedAt)
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, JobStatusQueued.CanTransitionTo(JobStatusProcessing))
	assert.False(t, JobStatusQueued.CanTransitionTo(JobStatusCompleted))
	assert.True(t, JobStatusProcessing.CanTransitionTo(JobStatusCompleted))
	assert.False(t, JobStatusProcessing.CanTransitionTo(JobStatusQueued))
	assert.False(t, JobStatusCompleted.CanTransitionTo(JobStatusProcessing))
	assert.False(t, JobStatusFailed.CanTransitionTo(JobStatusProcessing))
}

func TestPageSize_Dimensions(t *testing.T) {
	w, h := PageSizeSquare.Dimensions()
	assert.Equal(t, w, h)
	w, h = PageSizeA3.Dimensions()
	assert.Equal(t, 297.0, w)
	assert.Equal(t, 420.0, h)
	assert.False(t, PageSize("A5").IsValid())
}

func TestSource_Describe(t *testing.T) {
	md := HTMLSource("<p>hi</p>").Describe()
	assert.Equal(t, "html", md["sourceType"])
	assert.Equal(t, "9", md["htmlLength"])

	md = URLSource("https://example.com").Describe()
	assert.Equal(t, "https://example.com", md["sourceUrl"])
}
