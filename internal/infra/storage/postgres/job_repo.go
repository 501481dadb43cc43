package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediarelay/relay/internal/core/domain"
)

// JobRepo implements storage.DeliveryJobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL delivery job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Save upserts a job on (source_url, status_message_ref). The conflict target
// makes the upsert atomic; a NULL-free sentinel ("" = no status surface)
// keeps the unique constraint meaningful.
func (r *JobRepo) Save(ctx context.Context, job *domain.DeliveryJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	files, err := json.Marshal(job.FileList)
	if err != nil {
		return fmt.Errorf("failed to encode file list: %w", err)
	}

	query := `
		INSERT INTO delivery_jobs (id, source_url, file_list, created_at, status_message_ref, origin_ref, status, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NULL)
		ON CONFLICT (source_url, status_message_ref) DO UPDATE
		SET file_list = EXCLUDED.file_list,
		    created_at = EXCLUDED.created_at,
		    origin_ref = EXCLUDED.origin_ref,
		    status = 'pending',
		    error_detail = NULL
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.SourceURL, files, job.CreatedAt, job.StatusMessageRef, job.OriginRef)
	if err != nil {
		return fmt.Errorf("failed to save delivery job: %w", err)
	}
	return nil
}

// ListPending returns pending jobs created within maxAge, oldest first.
func (r *JobRepo) ListPending(
	ctx context.Context,
	maxAge time.Duration,
) ([]*domain.DeliveryJob, error) {
	query := `
		SELECT id, source_url, file_list, created_at, status_message_ref, origin_ref, status, COALESCE(error_detail, '') AS error_detail
		FROM delivery_jobs
		WHERE status = 'pending' AND created_at >= $1
		ORDER BY created_at ASC
	`

	var rows []struct {
		ID               string    `db:"id"`
		SourceURL        string    `db:"source_url"`
		FileList         []byte    `db:"file_list"`
		CreatedAt        time.Time `db:"created_at"`
		StatusMessageRef string    `db:"status_message_ref"`
		OriginRef        string    `db:"origin_ref"`
		Status           string    `db:"status"`
		ErrorDetail      string    `db:"error_detail"`
	}

	err := r.db.SelectContext(ctx, &rows, query, time.Now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var jobs []*domain.DeliveryJob
	for _, row := range rows {
		var files []string
		if err := json.Unmarshal(row.FileList, &files); err != nil {
			return nil, fmt.Errorf("failed to decode file list for %s: %w", row.SourceURL, err)
		}
		jobs = append(jobs, &domain.DeliveryJob{
			ID:               row.ID,
			SourceURL:        row.SourceURL,
			FileList:         files,
			CreatedAt:        row.CreatedAt,
			StatusMessageRef: row.StatusMessageRef,
			OriginRef:        row.OriginRef,
			Status:           domain.JobStatus(row.Status),
			ErrorDetail:      row.ErrorDetail,
		})
	}
	return jobs, nil
}

// MarkCompleted marks the job as completed.
func (r *JobRepo) MarkCompleted(ctx context.Context, sourceURL, statusMessageRef string) error {
	query := `
		UPDATE delivery_jobs
		SET status = 'completed', error_detail = NULL
		WHERE source_url = $1 AND status_message_ref = $2
	`
	_, err := r.db.ExecContext(ctx, query, sourceURL, statusMessageRef)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks the job as failed with the given error detail.
func (r *JobRepo) MarkFailed(
	ctx context.Context,
	sourceURL, statusMessageRef, errorDetail string,
) error {
	query := `
		UPDATE delivery_jobs
		SET status = 'failed', error_detail = $3
		WHERE source_url = $1 AND status_message_ref = $2
	`
	_, err := r.db.ExecContext(ctx, query, sourceURL, statusMessageRef, errorDetail)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// CountPending returns the recovery-log backlog size.
func (r *JobRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM delivery_jobs WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes settled job rows past the retention window.
// Pending rows are never deleted here: the startup sweep owns them, however
// the retention window relates to the resume window.
func (r *JobRepo) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_jobs
		 WHERE created_at < $1 AND status IN ('completed', 'failed')`,
		time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
