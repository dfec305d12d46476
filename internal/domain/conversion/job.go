package conversion

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Source is what gets rendered: inline HTML markup or a remote page address.
// Exactly one of HTML and URL is populated, selected by Kind.
type Source struct {
	Kind SourceKind `json:"kind"`
	HTML string     `json:"html,omitempty"`
	URL  string     `json:"url,omitempty"`
}

// HTMLSource creates a source from inline markup
func HTMLSource(html string) Source {
	return Source{Kind: SourceKindHTML, HTML: html}
}

// URLSource creates a source from a page address
func URLSource(address string) Source {
	return Source{Kind: SourceKindURL, URL: address}
}

// IsHTML reports whether the source carries inline markup
func (s Source) IsHTML() bool { return s.Kind == SourceKindHTML }

// IsURL reports whether the source is a remote address
func (s Source) IsURL() bool { return s.Kind == SourceKindURL }

// Validate enforces the tagged-union invariant
func (s Source) Validate() error {
	switch s.Kind {
	case SourceKindHTML:
		if s.URL != "" {
			return NewError(CodeValidation, "html source must not carry a url", nil)
		}
		if strings.TrimSpace(s.HTML) == "" {
			return NewError(CodeValidation, "html content is empty", nil)
		}
	case SourceKindURL:
		if s.HTML != "" {
			return NewError(CodeValidation, "url source must not carry html", nil)
		}
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return NewError(CodeValidation, "invalid url: "+s.URL, err)
		}
	default:
		return NewError(CodeValidation, fmt.Sprintf("unknown source kind %q", s.Kind), nil)
	}
	return nil
}

// Describe returns storage metadata describing the source
func (s Source) Describe() map[string]string {
	md := map[string]string{"sourceType": string(s.Kind)}
	if s.IsHTML() {
		md["htmlLength"] = fmt.Sprintf("%d", len(s.HTML))
	} else {
		md["sourceUrl"] = s.URL
	}
	return md
}

// PageOptions controls paper size and orientation of the output
type PageOptions struct {
	PageSize    PageSize    `json:"pageSize"`
	Orientation Orientation `json:"orientation"`
}

// DefaultPageOptions returns A4 portrait
func DefaultPageOptions() PageOptions {
	return PageOptions{PageSize: PageSizeA4, Orientation: OrientationPortrait}
}

// WithDefaults fills empty fields with A4 portrait
func (o PageOptions) WithDefaults() PageOptions {
	if o.PageSize == "" {
		o.PageSize = PageSizeA4
	}
	if o.Orientation == "" {
		o.Orientation = OrientationPortrait
	}
	return o
}

// Validate checks both fields hold known values
func (o PageOptions) Validate() error {
	if !o.PageSize.IsValid() {
		return NewError(CodeValidation, "invalid page size: "+string(o.PageSize), nil)
	}
	if !o.Orientation.IsValid() {
		return NewError(CodeValidation, "invalid orientation: "+string(o.Orientation), nil)
	}
	return nil
}

// Result references the artifact produced by a completed job
type Result struct {
	ArtifactKey string `json:"artifactKey"`
	SizeBytes   int64  `json:"sizeBytes"`
	// CallbackDelivered is set once the artifact reached the callback endpoint
	CallbackDelivered bool `json:"callbackDelivered,omitempty"`
}

// Job is one unit of asynchronous conversion work
type Job struct {
	ID            string      `json:"id"`
	Source        Source      `json:"source"`
	PageOptions   PageOptions `json:"pageOptions"`
	CallbackURL   string      `json:"callbackUrl,omitempty"`
	Status        JobStatus   `json:"status"`
	Attempts      int         `json:"attempts"`
	Policy        RetryPolicy `json:"policy"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	Result        *Result     `json:"result,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
}

// NewJob creates a queued job after validating its inputs
func NewJob(id string, source Source, opts PageOptions, callbackURL string, policy RetryPolicy, now time.Time) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewError(CodeValidation, "job id is required", nil)
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, NewError(CodeValidation, "invalid retry policy", err)
	}

	return &Job{
		ID:          id,
		Source:      source,
		PageOptions: opts,
		CallbackURL: callbackURL,
		Status:      JobStatusQueued,
		Policy:      policy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// HasCallback reports whether results are pushed to a callback endpoint
func (j *Job) HasCallback() bool {
	return j.CallbackURL != ""
}

// Start claims the job for an attempt. A job that is already processing is
// being re-claimed after a backoff and stays processing.
func (j *Job) Start(now time.Time) error {
	if !j.Status.CanTransitionTo(JobStatusProcessing) {
		return NewError(CodeInvalidState, fmt.Sprintf("cannot start job in %s status", j.Status), nil)
	}
	j.Status = JobStatusProcessing
	j.Attempts++
	j.UpdatedAt = now
	return nil
}

// Complete marks the job completed with its artifact reference
func (j *Job) Complete(result Result, now time.Time) error {
	if j.Status != JobStatusProcessing {
		return NewError(CodeInvalidState, fmt.Sprintf("cannot complete job in %s status", j.Status), nil)
	}
	j.Status = JobStatusCompleted
	j.Result = &result
	j.FailureReason = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Fail marks the job failed with a human-readable reason
func (j *Job) Fail(reason string, now time.Time) error {
	if !j.Status.CanTransitionTo(JobStatusFailed) {
		return NewError(CodeInvalidState, fmt.Sprintf("cannot fail job in %s status", j.Status), nil)
	}
	if reason == "" {
		reason = "unknown error"
	}
	j.Status = JobStatusFailed
	j.FailureReason = reason
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// CanRetry reports whether another attempt is allowed
func (j *Job) CanRetry() bool {
	return !j.Status.IsTerminal() && j.Attempts < j.Policy.MaxAttempts
}

// NextRetryDelay returns the backoff before the next attempt
func (j *Job) NextRetryDelay() time.Duration {
	return j.Policy.Delay(j.Attempts)
}

// Clone returns a deep copy so queue implementations never share records
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
