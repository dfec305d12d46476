// Package storage persists rendered PDFs behind a capability-tagged driver
// and enforces their retention window.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
)

// ErrObjectNotFound is returned by drivers when a key has no stored object
var ErrObjectNotFound = errors.New("object not found")

const contentTypePDF = "application/pdf"

// Driver stores opaque PDF bytes under a key
type Driver interface {
	Type() conversion.DriverType
	Supports(capability conversion.Capability) bool
	// Init prepares the backing store (directory, bucket)
	Init(ctx context.Context) error
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	// Get returns ErrObjectNotFound for unknown keys
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for unknown keys
	Delete(ctx context.Context, key string) error
	// Presign returns a time-limited download link. Drivers without the
	// presign capability return a *conversion.CapabilityError.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// objectKey is the driver key for a job's artifact
func objectKey(jobID string) string {
	return jobID + ".pdf"
}
