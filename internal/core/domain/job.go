package domain

import "time"

// JobStatus represents the lifecycle state of a delivery job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DeliveryJob is the persisted unit of recoverable work: one source URL and
// the local artifact files it produced. A job is created once the source fetch
// succeeds and survives process restarts until completed or failed.
//
// Uniqueness is (SourceURL, StatusMessageRef): the same URL re-submitted
// against a different status surface is a distinct job.
type DeliveryJob struct {
	ID               string
	SourceURL        string
	FileList         []string
	CreatedAt        time.Time
	StatusMessageRef string // opaque handle to a status surface, "" = none
	OriginRef        string // opaque handle to the requesting context, "" = none
	Status           JobStatus
	ErrorDetail      string
}

// UploadOutcome is the per-file result of a delivery attempt.
type UploadOutcome struct {
	Success     bool
	RemoteRef   string
	ErrorDetail string
	ByteSize    int64
}

// FileOperation is a per-file observability record (success/failure/size).
type FileOperation struct {
	Filename    string
	ByteSize    int64
	Transport   string
	Success     bool
	ErrorDetail string
	CreatedAt   time.Time
}
