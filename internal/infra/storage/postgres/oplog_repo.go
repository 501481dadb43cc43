package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
)

// OpLogRepo implements storage.OperationLogRepository using PostgreSQL.
type OpLogRepo struct {
	db *DB
}

// NewOpLogRepo creates a new PostgreSQL operation log repository.
func NewOpLogRepo(db *DB) *OpLogRepo {
	return &OpLogRepo{db: db}
}

// Record appends a per-file delivery outcome.
func (r *OpLogRepo) Record(ctx context.Context, op *domain.FileOperation) error {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO file_ops (filename, byte_size, transport, success, error_detail, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		op.Filename, op.ByteSize, op.Transport, op.Success, op.ErrorDetail, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record file operation: %w", err)
	}
	return nil
}
