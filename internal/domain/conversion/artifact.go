package conversion

import "time"

// StoredArtifact is the metadata entry for one persisted PDF
type StoredArtifact struct {
	JobID      string            `json:"jobId"`
	Key        string            `json:"key"`
	Filename   string            `json:"filename"`
	SizeBytes  int64             `json:"sizeBytes"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	DriverType DriverType        `json:"driverType"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewStoredArtifact builds an artifact entry whose expiry is createdAt + retention
func NewStoredArtifact(jobID, key string, size int64, driver DriverType, createdAt time.Time, retention time.Duration, metadata map[string]string) *StoredArtifact {
	return &StoredArtifact{
		JobID:      jobID,
		Key:        key,
		Filename:   jobID + ".pdf",
		SizeBytes:  size,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(retention),
		DriverType: driver,
		Metadata:   metadata,
	}
}

// IsExpired reports whether the artifact is past its expiry at now
func (a *StoredArtifact) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// TimeLeft returns the remaining lifetime, zero once expired
func (a *StoredArtifact) TimeLeft(now time.Time) time.Duration {
	if a.IsExpired(now) {
		return 0
	}
	return a.ExpiresAt.Sub(now)
}

// ArtifactState is the availability of an artifact at a point in time
type ArtifactState string

const (
	ArtifactAvailable ArtifactState = "available"
	ArtifactExpired   ArtifactState = "expired"
	ArtifactMissing   ArtifactState = "not_found"
)

// ArtifactStatus is a snapshot returned by status queries
type ArtifactStatus struct {
	JobID      string        `json:"jobId"`
	State      ArtifactState `json:"state"`
	SizeBytes  int64         `json:"sizeBytes,omitempty"`
	CreatedAt  time.Time     `json:"createdAt,omitempty"`
	ExpiresAt  time.Time     `json:"expiresAt,omitempty"`
	DriverType DriverType    `json:"driverType,omitempty"`
}
