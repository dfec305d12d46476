package conversion

// PageSize represents the output paper size
type PageSize string

const (
	PageSizeA4     PageSize = "A4"     // 210mm x 297mm
	PageSizeA3     PageSize = "A3"     // 297mm x 420mm
	PageSizeLetter PageSize = "Letter" // 215.9mm x 279.4mm
	PageSizeSquare PageSize = "Square" // 210mm x 210mm
)

// IsValid checks if the PageSize is a valid value
func (p PageSize) IsValid() bool {
	switch p {
	case PageSizeA4, PageSizeA3, PageSizeLetter, PageSizeSquare:
		return true
	}
	return false
}

// String returns the string representation of PageSize
func (p PageSize) String() string {
	return string(p)
}

// Dimensions returns the portrait paper dimensions in millimeters (width, height)
func (p PageSize) Dimensions() (width, height float64) {
	switch p {
	case PageSizeA3:
		return 297, 420
	case PageSizeLetter:
		return 215.9, 279.4
	case PageSizeSquare:
		return 210, 210
	default:
		return 210, 297
	}
}

// AllPageSizes returns all valid PageSize values
func AllPageSizes() []PageSize {
	return []PageSize{PageSizeA4, PageSizeA3, PageSizeLetter, PageSizeSquare}
}

// Orientation represents the page orientation
type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// IsValid checks if the Orientation is a valid value
func (o Orientation) IsValid() bool {
	switch o {
	case OrientationPortrait, OrientationLandscape:
		return true
	}
	return false
}

// String returns the string representation of Orientation
func (o Orientation) String() string {
	return string(o)
}

// JobStatus represents the status of a conversion job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsValid checks if the JobStatus is a valid value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// String returns the string representation of JobStatus
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this is a terminal status (no further transitions)
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo checks if the status can transition to the target status.
// processing -> processing is the re-claim of a job that is being retried.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return target == JobStatusProcessing || target == JobStatusFailed
	case JobStatusProcessing:
		return target == JobStatusProcessing || target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		return false
	}
	return false
}

// SourceKind discriminates the Source union
type SourceKind string

const (
	SourceKindHTML SourceKind = "html"
	SourceKindURL  SourceKind = "url"
)

// DriverType identifies a storage driver implementation
type DriverType string

const (
	DriverTypeLocal DriverType = "local"
	DriverTypeS3    DriverType = "s3"
)

// String returns the string representation of DriverType
func (d DriverType) String() string {
	return string(d)
}

// AllDriverTypes returns every storage driver the service can run with
func AllDriverTypes() []DriverType {
	return []DriverType{DriverTypeLocal, DriverTypeS3}
}

// Capability is an optional feature a storage driver may support
type Capability string

const (
	CapabilityPresign Capability = "presign"
)
