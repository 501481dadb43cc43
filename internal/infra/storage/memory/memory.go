// Package memory provides in-memory storage used when no database is
// configured, and by tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediarelay/relay/internal/core/domain"
)

type jobKey struct {
	sourceURL        string
	statusMessageRef string
}

// JobRepo implements storage.DeliveryJobRepository in memory.
type JobRepo struct {
	mu   sync.Mutex
	jobs map[jobKey]*domain.DeliveryJob
}

// NewJobRepo creates an empty in-memory job repository.
func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[jobKey]*domain.DeliveryJob)}
}

// Save upserts a job keyed on (SourceURL, StatusMessageRef) and resets its
// status to pending.
func (r *JobRepo) Save(ctx context.Context, job *domain.DeliveryJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	stored := *job
	stored.FileList = append([]string(nil), job.FileList...)
	stored.Status = domain.JobStatusPending
	stored.ErrorDetail = ""

	key := jobKey{job.SourceURL, job.StatusMessageRef}
	if existing, ok := r.jobs[key]; ok {
		stored.ID = existing.ID
	}
	r.jobs[key] = &stored
	return nil
}

// ListPending returns pending jobs created within maxAge.
func (r *JobRepo) ListPending(
	ctx context.Context,
	maxAge time.Duration,
) ([]*domain.DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := time.Now().Add(-maxAge)
	var out []*domain.DeliveryJob
	for _, j := range r.jobs {
		if j.Status == domain.JobStatusPending && j.CreatedAt.After(threshold) {
			cp := *j
			cp.FileList = append([]string(nil), j.FileList...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MarkCompleted marks the job as completed.
func (r *JobRepo) MarkCompleted(ctx context.Context, sourceURL, statusMessageRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[jobKey{sourceURL, statusMessageRef}]; ok {
		j.Status = domain.JobStatusCompleted
		j.ErrorDetail = ""
	}
	return nil
}

// MarkFailed marks the job as failed with the given error detail.
func (r *JobRepo) MarkFailed(
	ctx context.Context,
	sourceURL, statusMessageRef, errorDetail string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[jobKey{sourceURL, statusMessageRef}]; ok {
		j.Status = domain.JobStatusFailed
		j.ErrorDetail = errorDetail
	}
	return nil
}

// CountPending returns the number of pending jobs.
func (r *JobRepo) CountPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, j := range r.jobs {
		if j.Status == domain.JobStatusPending {
			count++
		}
	}
	return count, nil
}

// DeleteOlderThan removes settled job rows past the retention window.
// Pending rows survive so the startup sweep can still find them.
func (r *JobRepo) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := time.Now().Add(-age)
	var deleted int64
	for key, j := range r.jobs {
		if j.Status == domain.JobStatusPending {
			continue
		}
		if j.CreatedAt.Before(threshold) {
			delete(r.jobs, key)
			deleted++
		}
	}
	return deleted, nil
}

// OpLogRepo implements storage.OperationLogRepository in memory.
type OpLogRepo struct {
	mu  sync.Mutex
	ops []*domain.FileOperation
}

// NewOpLogRepo creates an empty in-memory operation log.
func NewOpLogRepo() *OpLogRepo {
	return &OpLogRepo{}
}

// Record appends a per-file delivery outcome.
func (r *OpLogRepo) Record(ctx context.Context, op *domain.FileOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *op
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.ops = append(r.ops, &cp)
	return nil
}

// Operations returns a snapshot of recorded operations.
func (r *OpLogRepo) Operations() []*domain.FileOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.FileOperation(nil), r.ops...)
}
