package conversion

import (
	"time"

	domain "github.com/htmltopdf/backend/internal/domain/conversion"
)

// =============================================================================
// Async DTOs
// =============================================================================

// EnqueueRequest represents a request to convert a document in the background.
// Exactly one of HTML and URL must be set.
type EnqueueRequest struct {
	ID          string `json:"id" validate:"omitempty,max=128,excludesall=/\\"`
	HTML        string `json:"html" validate:"required_without=URL,excluded_with=URL"`
	URL         string `json:"url" validate:"required_without=HTML,omitempty,http_url"`
	PageSize    string `json:"pageSize" validate:"omitempty,oneof=A4 A3 Letter Square"`
	Orientation string `json:"orientation" validate:"omitempty,oneof=portrait landscape"`
	CallbackURL string `json:"callbackUrl" validate:"omitempty,http_url"`
}

// EnqueueResponse is returned once a job has been accepted
type EnqueueResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse describes the current state of a job
type StatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	Size        int64      `json:"size,omitempty"`
	Error       string     `json:"error,omitempty"`
	Message     string     `json:"message"`

	SourceURL   string `json:"url,omitempty"`
	PageSize    string `json:"pageSize,omitempty"`
	Orientation string `json:"orientation,omitempty"`

	CallbackDelivered bool `json:"callbackDelivered,omitempty"`
	// ArtifactState is set when the status was answered from storage
	ArtifactState string `json:"artifactState,omitempty"`
}

// =============================================================================
// Artifact DTOs
// =============================================================================

// ArtifactResponse carries a stored PDF
type ArtifactResponse struct {
	Data      []byte    `json:"-"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PresignRequest asks for a time-limited download link
type PresignRequest struct {
	JobID      string `json:"jobId" validate:"required"`
	TTLSeconds int    `json:"ttlSeconds" validate:"omitempty,min=1,max=604800"`
}

// PresignResponse carries a download link
type PresignResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// =============================================================================
// Sync DTOs
// =============================================================================

// SyncRequest represents a blocking conversion of inline HTML
type SyncRequest struct {
	HTML        string `json:"html" validate:"required"`
	PageSize    string `json:"pageSize" validate:"omitempty,oneof=A4 A3 Letter Square"`
	Orientation string `json:"orientation" validate:"omitempty,oneof=portrait landscape"`
}

// SyncResponse carries the rendered PDF of a sync conversion
type SyncResponse struct {
	FileID   string `json:"fileId"`
	Filename string `json:"fileName"`
	Data     []byte `json:"-"`
	Size     int    `json:"size"`
	HTMLSize int    `json:"htmlSize"`
}

// pageOptions converts request strings to domain options, defaulting empty fields
func pageOptions(size, orientation string) domain.PageOptions {
	return domain.PageOptions{
		PageSize:    domain.PageSize(size),
		Orientation: domain.Orientation(orientation),
	}.WithDefaults()
}

// source builds the domain source from a request that passed validation
func (r EnqueueRequest) source() domain.Source {
	if r.URL != "" {
		return domain.URLSource(r.URL)
	}
	return domain.HTMLSource(r.HTML)
}

func toStatusResponse(job *domain.Job) *StatusResponse {
	resp := &StatusResponse{
		JobID:       job.ID,
		Status:      job.Status.String(),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Attempts:    job.Attempts,
		Error:       job.FailureReason,
		Message:     statusMessage(job),
		SourceURL:   job.Source.URL,
		PageSize:    job.PageOptions.PageSize.String(),
		Orientation: job.PageOptions.Orientation.String(),
	}
	if job.Result != nil {
		resp.Size = job.Result.SizeBytes
		resp.CallbackDelivered = job.Result.CallbackDelivered
	}
	return resp
}

func statusMessage(job *domain.Job) string {
	switch job.Status {
	case domain.JobStatusQueued:
		return "waiting to be processed"
	case domain.JobStatusProcessing:
		if job.Attempts > 1 {
			return "retrying after a failed attempt"
		}
		return "generating PDF"
	case domain.JobStatusCompleted:
		if job.HasCallback() {
			return "PDF generated and sent to callback"
		}
		return "PDF generated and available for download"
	case domain.JobStatusFailed:
		return "PDF generation failed"
	}
	return ""
}
