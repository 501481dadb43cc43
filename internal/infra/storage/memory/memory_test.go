package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
)

// ============================================================================
// JobRepo
// ============================================================================

func TestJobRepoSaveUpsert(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()

	job := &domain.DeliveryJob{
		SourceURL:        "https://example.com/p/abc",
		FileList:         []string{"/tmp/a.jpg"},
		StatusMessageRef: "msg-1",
	}
	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if job.ID == "" {
		t.Fatal("Save() did not assign an ID")
	}
	firstID := job.ID

	// Re-save with a different file list: same row, no duplicate.
	again := &domain.DeliveryJob{
		SourceURL:        "https://example.com/p/abc",
		FileList:         []string{"/tmp/a.jpg", "/tmp/b.jpg"},
		StatusMessageRef: "msg-1",
	}
	if err := repo.Save(ctx, again); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	pending, err := repo.ListPending(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListPending() returned %d jobs, want 1", len(pending))
	}
	if pending[0].ID != firstID {
		t.Errorf("upsert changed job ID: got %s, want %s", pending[0].ID, firstID)
	}
	if len(pending[0].FileList) != 2 {
		t.Errorf("upsert did not replace file list: got %d files, want 2",
			len(pending[0].FileList))
	}
}

func TestJobRepoSaveResetsStatus(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()

	job := &domain.DeliveryJob{SourceURL: "u", StatusMessageRef: "m"}
	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, "u", "m", "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	// Re-save flips the row back to pending and clears the error.
	if err := repo.Save(ctx, &domain.DeliveryJob{SourceURL: "u", StatusMessageRef: "m"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	pending, _ := repo.ListPending(ctx, time.Hour)
	if len(pending) != 1 {
		t.Fatalf("ListPending() returned %d jobs, want 1", len(pending))
	}
	if pending[0].ErrorDetail != "" {
		t.Errorf("error detail not cleared on re-save: %q", pending[0].ErrorDetail)
	}
}

func TestJobRepoListPendingExcludesOldAndTerminal(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()

	old := &domain.DeliveryJob{
		SourceURL:        "old",
		StatusMessageRef: "m1",
		CreatedAt:        time.Now().Add(-48 * time.Hour),
	}
	fresh := &domain.DeliveryJob{SourceURL: "fresh", StatusMessageRef: "m2"}
	done := &domain.DeliveryJob{SourceURL: "done", StatusMessageRef: "m3"}

	for _, j := range []*domain.DeliveryJob{old, fresh, done} {
		if err := repo.Save(ctx, j); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	if err := repo.MarkCompleted(ctx, "done", "m3"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	pending, err := repo.ListPending(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].SourceURL != "fresh" {
		t.Fatalf("ListPending() = %+v, want only the fresh pending job", pending)
	}
}

func TestJobRepoMarkFailed(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()

	if err := repo.Save(ctx, &domain.DeliveryJob{SourceURL: "u", StatusMessageRef: "m"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, "u", "m", "fetch failed"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	count, err := repo.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if count != 0 {
		t.Errorf("CountPending() = %d after MarkFailed, want 0", count)
	}
}

func TestJobRepoDeleteOlderThan(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()

	stale := &domain.DeliveryJob{
		SourceURL:        "stale",
		StatusMessageRef: "m1",
		CreatedAt:        time.Now().Add(-10 * 24 * time.Hour),
	}
	staleBacklog := &domain.DeliveryJob{
		SourceURL:        "stale-pending",
		StatusMessageRef: "m2",
		CreatedAt:        time.Now().Add(-10 * 24 * time.Hour),
	}
	fresh := &domain.DeliveryJob{SourceURL: "fresh", StatusMessageRef: "m3"}
	for _, j := range []*domain.DeliveryJob{stale, staleBacklog, fresh} {
		if err := repo.Save(ctx, j); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	if err := repo.MarkCompleted(ctx, "stale", "m1"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	deleted, err := repo.DeleteOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1 (only settled rows)", deleted)
	}

	// The abandoned pending row stays: retention never eats the backlog.
	count, _ := repo.CountPending(ctx)
	if count != 2 {
		t.Errorf("CountPending() = %d after cleanup, want 2", count)
	}
}

// ============================================================================
// OpLogRepo
// ============================================================================

func TestOpLogRepoRecord(t *testing.T) {
	repo := NewOpLogRepo()
	ctx := context.Background()

	op := &domain.FileOperation{
		Filename:  "a.jpg",
		ByteSize:  1024,
		Transport: "standard",
		Success:   true,
	}
	if err := repo.Record(ctx, op); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	ops := repo.Operations()
	if len(ops) != 1 {
		t.Fatalf("Operations() returned %d entries, want 1", len(ops))
	}
	if ops[0].CreatedAt.IsZero() {
		t.Error("Record() did not stamp CreatedAt")
	}
}
