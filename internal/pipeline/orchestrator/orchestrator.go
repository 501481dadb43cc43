// Package orchestrator ties fetch, recovery log and dispatch together: one
// entry point per job, plus the startup sweep that resumes interrupted work.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mediarelay/relay/internal/core/domain"
	"github.com/mediarelay/relay/internal/infra/fetch"
	"github.com/mediarelay/relay/internal/infra/storage"
	"github.com/mediarelay/relay/internal/pipeline/backoff"
	"github.com/mediarelay/relay/internal/pipeline/breaker"
	"github.com/mediarelay/relay/internal/pipeline/dispatch"
	"github.com/mediarelay/relay/internal/pipeline/metrics"
	"github.com/mediarelay/relay/internal/pipeline/ratelimit"
	"github.com/mediarelay/relay/internal/pipeline/retry"
)

// Deliverer sends a job's files downstream. Satisfied by dispatch.Dispatcher.
type Deliverer interface {
	Deliver(
		ctx context.Context,
		job *domain.DeliveryJob,
		captions []string,
		sink dispatch.ProgressSink,
	) (int, error)
}

// Config holds orchestrator tuning.
type Config struct {
	// MaxConcurrentUploads caps simultaneous deliveries across all jobs.
	MaxConcurrentUploads int64

	// ResumeMaxAge bounds the startup sweep; older pending rows are
	// considered abandoned.
	ResumeMaxAge time.Duration

	// FetchMaxRetries bounds retries of the source fetch.
	FetchMaxRetries int

	Backoff backoff.Config
}

// DefaultConfig returns production orchestrator settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentUploads: 3,
		ResumeMaxAge:         24 * time.Hour,
		FetchMaxRetries:      3,
		Backoff:              backoff.DefaultConfig(),
	}
}

// Orchestrator is the single entry point for delivery jobs.
type Orchestrator struct {
	cfg          Config
	fetcher      fetch.Fetcher
	fetchLimiter *ratelimit.Limiter
	fetchBreaker *breaker.Breaker
	dispatcher   Deliverer
	jobs         storage.DeliveryJobRepository
	logger       *slog.Logger
	sem          *semaphore.Weighted
}

// New creates an orchestrator.
func New(
	cfg Config,
	fetcher fetch.Fetcher,
	fetchLimiter *ratelimit.Limiter,
	fetchBreaker *breaker.Breaker,
	dispatcher Deliverer,
	jobs storage.DeliveryJobRepository,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = DefaultConfig().MaxConcurrentUploads
	}
	if cfg.ResumeMaxAge <= 0 {
		cfg.ResumeMaxAge = DefaultConfig().ResumeMaxAge
	}
	if cfg.FetchMaxRetries <= 0 {
		cfg.FetchMaxRetries = DefaultConfig().FetchMaxRetries
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.DefaultConfig()
	}

	return &Orchestrator{
		cfg:          cfg,
		fetcher:      fetcher,
		fetchLimiter: fetchLimiter,
		fetchBreaker: fetchBreaker,
		dispatcher:   dispatcher,
		jobs:         jobs,
		logger:       logger.With("component", "orchestrator"),
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentUploads),
	}
}

// SubmitJob fetches the media behind url, persists the job as pending and
// delivers its files downstream. Returns how many files were delivered out of
// how many were fetched. A fetch failure aborts the whole job and marks it
// failed; per-file delivery failures leave the job pending for the startup
// sweep.
func (o *Orchestrator) SubmitJob(
	ctx context.Context,
	url, originRef, statusMessageRef string,
	sink dispatch.ProgressSink,
) (succeeded, total int, err error) {
	o.rotateSessionIfDue(ctx)

	files, err := o.fetch(ctx, url)
	if err != nil {
		// Nothing was fetched; record the job as failed so the failure is
		// visible, with a user-safe detail.
		job := &domain.DeliveryJob{
			SourceURL:        url,
			StatusMessageRef: statusMessageRef,
			OriginRef:        originRef,
		}
		if saveErr := o.jobs.Save(ctx, job); saveErr == nil {
			_ = o.jobs.MarkFailed(ctx, url, statusMessageRef, domain.UserMessage(err))
		}
		metrics.JobsTotal.WithLabelValues(string(domain.JobStatusFailed)).Inc()
		return 0, 0, fmt.Errorf("fetch %s: %w", url, err)
	}

	job := &domain.DeliveryJob{
		SourceURL:        url,
		FileList:         files,
		StatusMessageRef: statusMessageRef,
		OriginRef:        originRef,
	}
	if err := o.jobs.Save(ctx, job); err != nil {
		return 0, len(files), fmt.Errorf("persist job %s: %w", url, err)
	}

	succeeded, err = o.deliver(ctx, job, renderCaptions(url, len(files)), sink)
	return succeeded, len(files), err
}

// ResumePending scans the recovery log and finishes interrupted jobs. Invoked
// once at startup. Failures are logged per job, never fatal.
func (o *Orchestrator) ResumePending(ctx context.Context) error {
	pending, err := o.jobs.ListPending(ctx, o.cfg.ResumeMaxAge)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	o.logger.Info("Resuming pending jobs", "count", len(pending))

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range pending {
		g.Go(func() error {
			if err := o.resumeJob(gctx, job); err != nil {
				o.logger.Error("Resume failed",
					"source_url", job.SourceURL, "error", err)
			} else {
				metrics.JobsResumed.Inc()
			}
			return nil
		})
	}
	return g.Wait()
}

// resumeJob finishes one interrupted job. Files still on disk are treated as
// not yet delivered only when the delivered set says so at dispatch time;
// files missing from disk are re-fetched first.
func (o *Orchestrator) resumeJob(ctx context.Context, job *domain.DeliveryJob) error {
	missing := missingIndices(job.FileList)

	if len(missing) == 0 {
		// Every artifact survived on disk: the crash happened after delivery
		// but before the completion mark.
		if err := o.jobs.MarkCompleted(ctx, job.SourceURL, job.StatusMessageRef); err != nil {
			return err
		}
		metrics.JobsTotal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
		return nil
	}

	o.rotateSessionIfDue(ctx)

	fresh, err := o.fetch(ctx, job.SourceURL)
	if err != nil {
		return fmt.Errorf("re-fetch %s: %w", job.SourceURL, err)
	}
	if len(fresh) != len(job.FileList) {
		// Upstream content changed shape since the job was persisted.
		// Deliver everything the source has now rather than guessing a
		// mapping; the delivered set still suppresses true duplicates.
		job.FileList = fresh
		missing = missing[:0]
		for i := range fresh {
			missing = append(missing, i)
		}
	} else {
		for _, i := range missing {
			job.FileList[i] = fresh[i]
		}
	}

	if err := o.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("persist re-fetched job %s: %w", job.SourceURL, err)
	}

	captions := renderCaptions(job.SourceURL, len(job.FileList))
	remaining := &domain.DeliveryJob{
		ID:               job.ID,
		SourceURL:        job.SourceURL,
		StatusMessageRef: job.StatusMessageRef,
		OriginRef:        job.OriginRef,
	}
	var remainingCaptions []string
	for _, i := range missing {
		remaining.FileList = append(remaining.FileList, job.FileList[i])
		remainingCaptions = append(remainingCaptions, captions[i])
	}

	succeeded, err := o.deliverRemaining(ctx, job, remaining, remainingCaptions, nil)
	if err != nil {
		return err
	}
	if succeeded < len(remaining.FileList) {
		return fmt.Errorf("resumed %s: %d of %d remaining files delivered",
			job.SourceURL, succeeded, len(remaining.FileList))
	}
	return nil
}

// deliver runs the dispatcher under the global upload semaphore and settles
// the job's final status.
func (o *Orchestrator) deliver(
	ctx context.Context,
	job *domain.DeliveryJob,
	captions []string,
	sink dispatch.ProgressSink,
) (int, error) {
	return o.deliverRemaining(ctx, job, job, captions, sink)
}

// deliverRemaining delivers sendJob's files and settles status on the full
// job. For a fresh submission the two are the same; for a resume, sendJob
// holds only the files that still need to go out.
func (o *Orchestrator) deliverRemaining(
	ctx context.Context,
	job, sendJob *domain.DeliveryJob,
	captions []string,
	sink dispatch.ProgressSink,
) (int, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer o.sem.Release(1)

	succeeded, err := o.dispatcher.Deliver(ctx, sendJob, captions, sink)
	total := len(sendJob.FileList)

	if err == nil {
		// A nil error with succeeded < total means some files were dropped as
		// permanently undeliverable; the job is as done as it will ever get.
		if markErr := o.jobs.MarkCompleted(ctx, job.SourceURL, job.StatusMessageRef); markErr != nil {
			o.logger.Error("Failed to mark job completed",
				"source_url", job.SourceURL, "error", markErr)
		}
		metrics.JobsTotal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
		if succeeded < total {
			o.logger.Warn("Job completed with undeliverable files",
				"source_url", job.SourceURL, "delivered", succeeded, "total", total)
		}
	} else {
		// Delivery stopped early; the row stays pending for the startup
		// sweep to pick up.
		o.logger.Warn("Job left pending",
			"source_url", job.SourceURL,
			"delivered", succeeded, "total", total, "error", err)
	}

	return succeeded, err
}

// fetch retrieves the artifact list behind url, gated by the source limiter,
// breaker and retry policy.
func (o *Orchestrator) fetch(ctx context.Context, url string) ([]string, error) {
	var files []string
	err := retry.Execute(ctx, func(ctx context.Context) error {
		if err := o.fetchLimiter.Wait(ctx, ratelimit.KindNormal); err != nil {
			return err
		}
		err := o.fetchBreaker.Do(ctx, func(ctx context.Context) error {
			got, err := o.fetcher.Fetch(ctx, url)
			if err != nil {
				return err
			}
			files = got
			return nil
		})
		if err != nil {
			o.fetchLimiter.HandleError(err)
			return err
		}
		o.fetchLimiter.HandleSuccess()
		return nil
	}, retry.Options{
		MaxRetries: o.cfg.FetchMaxRetries,
		Backoff:    o.cfg.Backoff,
		OnRetry: func(attempt int, err error) {
			o.logger.Warn("Fetch retry", "url", url, "attempt", attempt, "error", err)
		},
	})
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FetchesTotal.WithLabelValues("success").Inc()
	return files, nil
}

// rotateSessionIfDue refreshes the upstream session when the limiter reports
// the current one has aged or worked past its limits.
func (o *Orchestrator) rotateSessionIfDue(ctx context.Context) {
	if !o.fetchLimiter.ShouldRotateSession() {
		return
	}
	o.logger.Info("Rotating upstream session")
	if err := o.fetcher.RefreshSession(ctx); err != nil {
		o.logger.Error("Session rotation failed", "error", err)
		return
	}
	o.fetchLimiter.ResetSession()
}

// renderCaptions builds the downstream captions: the source URL on the first
// file, part markers on the rest.
func renderCaptions(url string, total int) []string {
	captions := make([]string, total)
	for i := range captions {
		if i == 0 {
			captions[i] = url
		} else {
			captions[i] = fmt.Sprintf("%s (part %d of %d)", url, i+1, total)
		}
	}
	return captions
}

func missingIndices(files []string) []int {
	var missing []int
	for i, path := range files {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, i)
		}
	}
	return missing
}
