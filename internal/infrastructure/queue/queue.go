// Package queue holds conversion jobs between submission and processing.
// Jobs are claimed exclusively on Dequeue; retries re-enter the queue after
// a delay. Terminal job records are kept for a retention window so status
// queries keep working after processing ends.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
)

const (
	defaultCapacity           = 1000
	defaultCompletedRetention = time.Hour
	defaultFailedRetention    = 24 * time.Hour
	defaultPollInterval       = time.Second
	defaultKeyPrefix          = "pdfgen:"
	defaultClaimTimeout       = 10 * time.Minute
)

var (
	// ErrQueueClosed is returned by Dequeue and Enqueue after Close
	ErrQueueClosed = errors.New("job queue is closed")
	// ErrQueueFull is returned by Enqueue when the ready backlog is at capacity
	ErrQueueFull = errors.New("job queue is full")
)

// Queue is a FIFO of conversion jobs with delayed retry
type Queue interface {
	// Enqueue stores a new job and makes it ready. A duplicate ID fails with
	// conversion.ErrJobExists.
	Enqueue(ctx context.Context, job *conversion.Job) error
	// Dequeue blocks until a job is ready and claims it for the caller alone
	Dequeue(ctx context.Context) (*conversion.Job, error)
	// Retry saves job and makes it ready again after delay
	Retry(ctx context.Context, job *conversion.Job, delay time.Duration) error
	// Save persists the job record. Terminal jobs start their retention window.
	Save(ctx context.Context, job *conversion.Job) error
	// Get fails with conversion.ErrJobNotFound for unknown or evicted jobs
	Get(ctx context.Context, id string) (*conversion.Job, error)
	Close() error
}

// Config contains queue settings shared by all implementations
type Config struct {
	// Capacity bounds the ready backlog of the memory queue
	Capacity int
	// CompletedRetention is how long completed job records are kept
	CompletedRetention time.Duration
	// FailedRetention is how long failed job records are kept
	FailedRetention time.Duration
	// PollInterval bounds a single blocking pop on Redis
	PollInterval time.Duration
	KeyPrefix    string
	// ClaimTimeout is how long a Redis claim may stay unfinished before the
	// job is handed to another consumer
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = defaultCompletedRetention
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = defaultFailedRetention
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = defaultClaimTimeout
	}
	return c
}

// retention returns how long a record in status is kept, 0 for non-terminal
func (c Config) retention(status conversion.JobStatus) time.Duration {
	switch status {
	case conversion.JobStatusCompleted:
		return c.CompletedRetention
	case conversion.JobStatusFailed:
		return c.FailedRetention
	}
	return 0
}

func jobExists(id string) error {
	return conversion.NewError(conversion.CodeJobExists, fmt.Sprintf("job %s already exists", id), nil)
}

func jobNotFound(id string) error {
	return conversion.NewError(conversion.CodeJobNotFound, fmt.Sprintf("job %s not found", id), nil)
}
