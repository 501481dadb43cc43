package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
	"github.com/mediarelay/relay/internal/infra/storage/memory"
	"github.com/mediarelay/relay/internal/pipeline/backoff"
	"github.com/mediarelay/relay/internal/pipeline/breaker"
	"github.com/mediarelay/relay/internal/pipeline/dispatch"
	"github.com/mediarelay/relay/internal/pipeline/ratelimit"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeFetcher struct {
	mu        sync.Mutex
	fetchFn   func(url string) ([]string, error)
	fetches   int
	refreshes int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]string, error) {
	f.mu.Lock()
	f.fetches++
	fn := f.fetchFn
	f.mu.Unlock()
	return fn(url)
}

func (f *fakeFetcher) RefreshSession(ctx context.Context) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return nil
}

func (f *fakeFetcher) counts() (fetches, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.refreshes
}

type fakeDeliverer struct {
	mu       sync.Mutex
	jobs     []*domain.DeliveryJob
	captions [][]string
	result   func(job *domain.DeliveryJob) (int, error)
}

func (f *fakeDeliverer) Deliver(
	ctx context.Context,
	job *domain.DeliveryJob,
	captions []string,
	sink dispatch.ProgressSink,
) (int, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.captions = append(f.captions, captions)
	result := f.result
	f.mu.Unlock()

	if result != nil {
		return result(job)
	}
	return len(job.FileList), nil
}

func (f *fakeDeliverer) deliveries() []*domain.DeliveryJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.DeliveryJob(nil), f.jobs...)
}

// ============================================================================
// Helpers
// ============================================================================

func tinyBackoff() backoff.Config {
	return backoff.Config{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2}
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New("source", ratelimit.Config{
		SessionRotateAfter: time.Hour,
		SessionMaxRequests: 1000,
		Backoff:            tinyBackoff(),
	})
}

func newOrchestrator(
	fetcher *fakeFetcher,
	deliverer *fakeDeliverer,
	jobs *memory.JobRepo,
	limiter *ratelimit.Limiter,
) *Orchestrator {
	return New(
		Config{FetchMaxRetries: 1, Backoff: tinyBackoff()},
		fetcher, limiter,
		breaker.New("source", 5, time.Minute),
		deliverer, jobs,
		slog.New(slog.DiscardHandler),
	)
}

func existingFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		if err := os.WriteFile(paths[i], []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}
	}
	return paths
}

// ============================================================================
// SubmitJob
// ============================================================================

func TestSubmitJobDeliversAndCompletes(t *testing.T) {
	files := existingFiles(t, "a.jpg", "b.jpg")
	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) { return files, nil }}
	deliverer := &fakeDeliverer{}
	jobs := memory.NewJobRepo()

	o := newOrchestrator(fetcher, deliverer, jobs, testLimiter())
	succeeded, total, err := o.SubmitJob(context.Background(),
		"https://example.com/p/abc", "origin-1", "msg-1", nil)
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if succeeded != 2 || total != 2 {
		t.Errorf("SubmitJob() = (%d, %d), want (2, 2)", succeeded, total)
	}

	count, _ := jobs.CountPending(context.Background())
	if count != 0 {
		t.Errorf("job still pending after full delivery, CountPending = %d", count)
	}
}

func TestSubmitJobFetchFailureMarksFailed(t *testing.T) {
	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) {
		return nil, domain.ErrNotFound
	}}
	deliverer := &fakeDeliverer{}
	jobs := memory.NewJobRepo()

	o := newOrchestrator(fetcher, deliverer, jobs, testLimiter())
	succeeded, total, err := o.SubmitJob(context.Background(),
		"https://example.com/p/gone", "", "msg-1", nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("SubmitJob() error = %v, want ErrNotFound", err)
	}
	if succeeded != 0 || total != 0 {
		t.Errorf("SubmitJob() = (%d, %d), want (0, 0)", succeeded, total)
	}
	if len(deliverer.deliveries()) != 0 {
		t.Error("dispatcher invoked despite fetch failure")
	}

	// Non-retryable: exactly one fetch attempt.
	if fetches, _ := fetcher.counts(); fetches != 1 {
		t.Errorf("fetch attempts = %d, want 1", fetches)
	}

	count, _ := jobs.CountPending(context.Background())
	if count != 0 {
		t.Errorf("failed job left pending, CountPending = %d", count)
	}
}

func TestSubmitJobRetriesTransientFetch(t *testing.T) {
	files := existingFiles(t, "a.jpg")
	calls := 0
	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return files, nil
	}}
	jobs := memory.NewJobRepo()

	o := newOrchestrator(fetcher, &fakeDeliverer{}, jobs, testLimiter())
	succeeded, _, err := o.SubmitJob(context.Background(),
		"https://example.com/p/abc", "", "", nil)
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if succeeded != 1 {
		t.Errorf("SubmitJob() succeeded = %d, want 1", succeeded)
	}
	if calls != 2 {
		t.Errorf("fetch attempts = %d, want 2", calls)
	}
}

func TestSubmitJobPartialDeliveryStaysPending(t *testing.T) {
	files := existingFiles(t, "a.jpg", "b.jpg")
	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) { return files, nil }}
	deliverer := &fakeDeliverer{result: func(job *domain.DeliveryJob) (int, error) {
		return 1, dispatch.ErrDeliveryAborted
	}}
	jobs := memory.NewJobRepo()

	o := newOrchestrator(fetcher, deliverer, jobs, testLimiter())
	succeeded, total, err := o.SubmitJob(context.Background(),
		"https://example.com/p/abc", "", "msg-1", nil)
	if !errors.Is(err, dispatch.ErrDeliveryAborted) {
		t.Fatalf("SubmitJob() error = %v, want ErrDeliveryAborted", err)
	}
	if succeeded != 1 || total != 2 {
		t.Errorf("SubmitJob() = (%d, %d), want (1, 2)", succeeded, total)
	}

	count, _ := jobs.CountPending(context.Background())
	if count != 1 {
		t.Errorf("CountPending = %d after partial delivery, want 1", count)
	}
}

func TestSubmitJobCaptions(t *testing.T) {
	files := existingFiles(t, "a.jpg", "b.jpg", "c.jpg")
	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) { return files, nil }}
	deliverer := &fakeDeliverer{}

	o := newOrchestrator(fetcher, deliverer, memory.NewJobRepo(), testLimiter())
	url := "https://example.com/p/abc"
	if _, _, err := o.SubmitJob(context.Background(), url, "", "", nil); err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	deliverer.mu.Lock()
	captions := deliverer.captions[0]
	deliverer.mu.Unlock()

	if len(captions) != 3 {
		t.Fatalf("got %d captions, want 3", len(captions))
	}
	if captions[0] != url {
		t.Errorf("captions[0] = %q, want the source URL", captions[0])
	}
	if !strings.Contains(captions[1], "part 2 of 3") {
		t.Errorf("captions[1] = %q, want part marker", captions[1])
	}
}

func TestSubmitJobRotatesSession(t *testing.T) {
	files := existingFiles(t, "a.jpg")
	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) { return files, nil }}
	limiter := ratelimit.New("source", ratelimit.Config{
		SessionRotateAfter: time.Hour,
		SessionMaxRequests: 1,
		Backoff:            tinyBackoff(),
	})

	o := newOrchestrator(fetcher, &fakeDeliverer{}, memory.NewJobRepo(), limiter)
	ctx := context.Background()

	// First submit records one session request; the second should rotate.
	if _, _, err := o.SubmitJob(ctx, "https://example.com/p/1", "", "m1", nil); err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if _, _, err := o.SubmitJob(ctx, "https://example.com/p/2", "", "m2", nil); err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	if _, refreshes := fetcher.counts(); refreshes != 1 {
		t.Errorf("session refreshes = %d, want 1", refreshes)
	}
}

// ============================================================================
// ResumePending
// ============================================================================

func TestResumeAllFilesPresentShortCircuits(t *testing.T) {
	files := existingFiles(t, "a.jpg", "b.jpg")
	jobs := memory.NewJobRepo()
	ctx := context.Background()
	if err := jobs.Save(ctx, &domain.DeliveryJob{
		SourceURL:        "https://example.com/p/abc",
		StatusMessageRef: "msg-1",
		FileList:         files,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) {
		t.Error("fetch invoked during short-circuit resume")
		return nil, nil
	}}
	deliverer := &fakeDeliverer{}

	o := newOrchestrator(fetcher, deliverer, jobs, testLimiter())
	if err := o.ResumePending(ctx); err != nil {
		t.Fatalf("ResumePending() error = %v", err)
	}

	if len(deliverer.deliveries()) != 0 {
		t.Error("dispatcher invoked for a fully-present job")
	}
	count, _ := jobs.CountPending(ctx)
	if count != 0 {
		t.Errorf("CountPending = %d after resume, want 0", count)
	}
}

func TestResumeRefetchesMissingFiles(t *testing.T) {
	fresh := existingFiles(t, "a.jpg", "b.jpg")
	jobs := memory.NewJobRepo()
	ctx := context.Background()

	// Persisted job: first file survives, second is gone.
	persisted := []string{fresh[0], filepath.Join(t.TempDir(), "vanished.jpg")}
	if err := jobs.Save(ctx, &domain.DeliveryJob{
		SourceURL:        "https://example.com/p/abc",
		StatusMessageRef: "msg-1",
		FileList:         persisted,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) { return fresh, nil }}
	deliverer := &fakeDeliverer{}

	o := newOrchestrator(fetcher, deliverer, jobs, testLimiter())
	if err := o.ResumePending(ctx); err != nil {
		t.Fatalf("ResumePending() error = %v", err)
	}

	deliveries := deliverer.deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("dispatcher invoked %d times, want 1", len(deliveries))
	}
	got := deliveries[0].FileList
	if len(got) != 1 || got[0] != fresh[1] {
		t.Errorf("resumed delivery files = %v, want only the re-fetched %s", got, fresh[1])
	}

	count, _ := jobs.CountPending(ctx)
	if count != 0 {
		t.Errorf("CountPending = %d after resume, want 0", count)
	}
}

func TestResumeSkipsAbandonedJobs(t *testing.T) {
	jobs := memory.NewJobRepo()
	ctx := context.Background()
	if err := jobs.Save(ctx, &domain.DeliveryJob{
		SourceURL:        "https://example.com/p/old",
		StatusMessageRef: "msg-1",
		FileList:         []string{"/nonexistent/file.jpg"},
		CreatedAt:        time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) {
		t.Error("fetch invoked for an abandoned job")
		return nil, nil
	}}
	deliverer := &fakeDeliverer{}

	o := newOrchestrator(fetcher, deliverer, jobs, testLimiter())
	if err := o.ResumePending(ctx); err != nil {
		t.Fatalf("ResumePending() error = %v", err)
	}
	if len(deliverer.deliveries()) != 0 {
		t.Error("dispatcher invoked for an abandoned job")
	}
}

func TestResumeFailureLeavesJobPending(t *testing.T) {
	jobs := memory.NewJobRepo()
	ctx := context.Background()
	if err := jobs.Save(ctx, &domain.DeliveryJob{
		SourceURL:        "https://example.com/p/abc",
		StatusMessageRef: "msg-1",
		FileList:         []string{"/nonexistent/file.jpg"},
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fetcher := &fakeFetcher{fetchFn: func(string) ([]string, error) {
		return nil, domain.ErrNotFound
	}}

	o := newOrchestrator(fetcher, &fakeDeliverer{}, jobs, testLimiter())
	// Per-job resume failures are logged, not returned.
	if err := o.ResumePending(ctx); err != nil {
		t.Fatalf("ResumePending() error = %v", err)
	}

	count, _ := jobs.CountPending(ctx)
	if count != 1 {
		t.Errorf("CountPending = %d, want 1 (job stays pending)", count)
	}
}
