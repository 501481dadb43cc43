// Package storage defines the persistence contracts backing the recovery log
// and the per-file operation log.
package storage

import (
	"context"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
)

// DeliveryJobRepository is the durable recovery log for in-flight jobs.
type DeliveryJobRepository interface {
	// Save upserts a job keyed on (SourceURL, StatusMessageRef). Re-saving
	// overwrites the file list and timestamp and resets status to pending
	// without creating a duplicate row. The upsert must be atomic, not
	// read-then-write.
	Save(ctx context.Context, job *domain.DeliveryJob) error

	// ListPending returns jobs with status=pending created within maxAge.
	// Older pending rows are considered abandoned and excluded.
	ListPending(ctx context.Context, maxAge time.Duration) ([]*domain.DeliveryJob, error)

	// MarkCompleted marks the job identified by (sourceURL, statusMessageRef)
	// as completed.
	MarkCompleted(ctx context.Context, sourceURL, statusMessageRef string) error

	// MarkFailed marks the job as failed with the given error detail.
	MarkFailed(ctx context.Context, sourceURL, statusMessageRef, errorDetail string) error

	// CountPending returns the recovery-log backlog size.
	CountPending(ctx context.Context) (int, error)

	// DeleteOlderThan removes settled rows past the retention window.
	// Housekeeping for the cleanup worker; pending rows are kept so the
	// startup sweep never loses work to retention.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// OperationLogRepository records per-file delivery outcomes for
// observability.
type OperationLogRepository interface {
	Record(ctx context.Context, op *domain.FileOperation) error
}
