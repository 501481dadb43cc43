// Package dispatch delivers fetched files downstream in batches, routing each
// file to a transport by size and absorbing downstream throttling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
	"github.com/mediarelay/relay/internal/infra/storage"
	"github.com/mediarelay/relay/internal/infra/transport"
	"github.com/mediarelay/relay/internal/pipeline/backoff"
	"github.com/mediarelay/relay/internal/pipeline/breaker"
	"github.com/mediarelay/relay/internal/pipeline/metrics"
	"github.com/mediarelay/relay/internal/pipeline/ratelimit"
	"github.com/mediarelay/relay/internal/pipeline/retry"
)

// ErrDeliveryAborted is returned when a delivery stops before every file was
// attempted. The succeeded count reports how far it got.
var ErrDeliveryAborted = errors.New("delivery aborted")

// ErrIncompleteDelivery is returned when one or more retryable files
// exhausted their retry budget. The job must stay pending so the startup
// sweep picks it up again.
var ErrIncompleteDelivery = errors.New("delivery incomplete")

// DeliveredSet is the idempotency store consulted before every send. A
// replayed batch skips files the set already knows about.
type DeliveredSet interface {
	IsDelivered(ctx context.Context, sourceURL, path string) (bool, string, error)
	MarkDelivered(ctx context.Context, sourceURL, path, remoteRef string) error
}

// ProgressSink receives delivery progress for status surfaces. Sink errors
// are logged, never propagated.
type ProgressSink interface {
	Progress(ctx context.Context, delivered, total int)
}

// Config holds dispatcher tuning.
type Config struct {
	BatchSize       int
	MaxRetries      int
	MaxBatchReplays int

	// RetryDelay is the adaptive inter-file pacing delay. It halves after
	// each success down to Min, doubles after each failure up to Max.
	RetryDelayInitial time.Duration
	RetryDelayMin     time.Duration
	RetryDelayMax     time.Duration

	Backoff backoff.Config
}

// DefaultConfig returns production dispatcher settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		MaxRetries:        3,
		MaxBatchReplays:   2,
		RetryDelayInitial: 2 * time.Second,
		RetryDelayMin:     time.Second,
		RetryDelayMax:     60 * time.Second,
		Backoff:           backoff.DefaultConfig(),
	}
}

// Dispatcher routes files to transports and paces sends against the
// downstream rate limiter.
type Dispatcher struct {
	cfg        Config
	transports []transport.Transport
	breakers   map[string]*breaker.Breaker
	limiter    *ratelimit.Limiter
	delivered  DeliveredSet
	oplog      storage.OperationLogRepository
	logger     *slog.Logger

	mu         sync.Mutex
	retryDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. Transports are tried smallest payload limit
// first, with unbounded transports as the fallback for anything oversize.
func New(
	cfg Config,
	transports []transport.Transport,
	limiter *ratelimit.Limiter,
	delivered DeliveredSet,
	oplog storage.OperationLogRepository,
	logger *slog.Logger,
) (*Dispatcher, error) {
	if len(transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}

	sorted := append([]transport.Transport(nil), transports...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].MaxPayloadSize(), sorted[j].MaxPayloadSize()
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})

	breakers := make(map[string]*breaker.Breaker, len(sorted))
	for _, tr := range sorted {
		breakers[tr.Name()] = breaker.New(tr.Name(), 5, time.Minute)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.RetryDelayInitial <= 0 {
		cfg.RetryDelayInitial = DefaultConfig().RetryDelayInitial
	}
	if cfg.RetryDelayMin <= 0 {
		cfg.RetryDelayMin = DefaultConfig().RetryDelayMin
	}
	if cfg.RetryDelayMax <= 0 {
		cfg.RetryDelayMax = DefaultConfig().RetryDelayMax
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.DefaultConfig()
	}

	return &Dispatcher{
		cfg:        cfg,
		transports: sorted,
		breakers:   breakers,
		limiter:    limiter,
		delivered:  delivered,
		oplog:      oplog,
		logger:     logger.With("component", "dispatcher"),
		retryDelay: cfg.RetryDelayInitial,
		sleep:      sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Deliver sends every file of the job downstream and returns how many files
// made it (including files skipped as already delivered). A nil error means
// every file was either delivered or dropped as permanently undeliverable.
// Retryable files that exhausted their budget yield ErrIncompleteDelivery;
// any non-nil error means the job must stay pending.
func (d *Dispatcher) Deliver(
	ctx context.Context,
	job *domain.DeliveryJob,
	captions []string,
	sink ProgressSink,
) (int, error) {
	total := len(job.FileList)
	succeeded := 0
	leftBehind := 0

	for batchStart := 0; batchStart < total; batchStart += d.cfg.BatchSize {
		batchEnd := batchStart + d.cfg.BatchSize
		if batchEnd > total {
			batchEnd = total
		}

		err := d.deliverBatch(ctx, job, captions, sink, batchStart, batchEnd, &succeeded, &leftBehind)
		if err != nil {
			return succeeded, err
		}
	}
	if leftBehind > 0 {
		return succeeded, fmt.Errorf("%w: %d file(s) still retryable",
			ErrIncompleteDelivery, leftBehind)
	}
	return succeeded, nil
}

// deliverBatch sends files [start, end). A rate-limit failure rewinds to the
// start of the batch; the delivered set keeps the replay from re-sending
// files that already landed.
func (d *Dispatcher) deliverBatch(
	ctx context.Context,
	job *domain.DeliveryJob,
	captions []string,
	sink ProgressSink,
	start, end int,
	succeeded, leftBehind *int,
) error {
	replays := 0
	// counted survives replays: a file landed on an earlier pass must not
	// inflate the succeeded total when the batch rewinds over it. left marks
	// retryable files that exhausted their budget; a replay can still clear
	// the mark by landing the file.
	counted := make([]bool, end-start)
	left := make([]bool, end-start)

replay:
	for i := start; i < end; i++ {
		path := job.FileList[i]

		if done, err := d.alreadyDelivered(ctx, job.SourceURL, path); err == nil && done {
			if !counted[i-start] {
				counted[i-start] = true
				*succeeded++
				d.notify(ctx, sink, *succeeded, len(job.FileList))
			}
			continue
		}

		kind := ratelimit.KindNormal
		if i == start && start > 0 && replays == 0 {
			kind = ratelimit.KindBatch
		}
		if err := d.limiter.Wait(ctx, kind); err != nil {
			return err
		}

		caption := ""
		if i < len(captions) {
			caption = captions[i]
		}

		remoteRef, _, err := d.uploadFile(ctx, path, caption)
		if err != nil {
			switch domain.Classify(err) {
			case domain.CategoryRateLimited:
				d.limiter.HandleError(err)
				d.growRetryDelay()
				replays++
				if replays > d.cfg.MaxBatchReplays {
					return fmt.Errorf("%w: batch replay limit reached: %v",
						ErrDeliveryAborted, err)
				}
				d.logger.Warn("rate limited mid-batch, replaying batch",
					"source_url", job.SourceURL, "replay", replays)
				goto replay

			case domain.CategoryBlocked:
				d.limiter.HandleError(err)
				return fmt.Errorf("%w: %v", ErrDeliveryAborted, err)

			case domain.CategoryNonRetryable:
				// Permanently undeliverable file. Drop it and move on.
				d.logger.Warn("file undeliverable, skipping",
					"file", filepath.Base(path), "error", err)
				continue

			default:
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				d.limiter.HandleError(err)
				d.growRetryDelay()
				left[i-start] = true
				d.logger.Error("file delivery failed, leaving for resume",
					"file", filepath.Base(path), "error", err)
				continue
			}
		}

		d.limiter.HandleSuccess()
		d.shrinkRetryDelay()
		d.markDelivered(ctx, job.SourceURL, path, remoteRef)

		left[i-start] = false
		if !counted[i-start] {
			counted[i-start] = true
			*succeeded++
			d.notify(ctx, sink, *succeeded, len(job.FileList))
		}

		if i+1 < end {
			if err := d.sleep(ctx, d.RetryDelay()); err != nil {
				return err
			}
		}
	}

	for _, l := range left {
		if l {
			*leftBehind++
		}
	}
	return nil
}

// uploadFile picks the transport for the file's size and sends it through the
// transport's breaker with retries.
func (d *Dispatcher) uploadFile(
	ctx context.Context,
	path, caption string,
) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("missing local file: %w", domain.ErrNotFound)
	}
	size := info.Size()

	tr := d.transportFor(size)
	brk := d.breakers[tr.Name()]

	var remoteRef string
	var byteSize int64
	err = retry.Execute(ctx, func(ctx context.Context) error {
		return brk.Do(ctx, func(ctx context.Context) error {
			ref, n, err := tr.Upload(ctx, path, caption)
			if err != nil {
				return err
			}
			remoteRef, byteSize = ref, n
			return nil
		})
	}, retry.Options{
		MaxRetries: d.cfg.MaxRetries,
		Backoff:    d.cfg.Backoff,
		OnRetry: func(attempt int, err error) {
			d.logger.Warn("upload retry",
				"transport", tr.Name(), "file", filepath.Base(path),
				"attempt", attempt, "error", err)
		},
	})

	d.recordOp(ctx, path, size, tr.Name(), err)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(tr.Name(), "error").Inc()
		return "", 0, err
	}
	metrics.UploadsTotal.WithLabelValues(tr.Name(), "success").Inc()
	metrics.UploadBytes.WithLabelValues(tr.Name()).Add(float64(byteSize))
	return remoteRef, byteSize, nil
}

// transportFor returns the smallest transport that can carry size bytes,
// falling back to the largest when none can.
func (d *Dispatcher) transportFor(size int64) transport.Transport {
	for _, tr := range d.transports {
		if tr.CanHandle(size) {
			return tr
		}
	}
	return d.transports[len(d.transports)-1]
}

// RetryDelay returns the current adaptive inter-file pacing delay.
func (d *Dispatcher) RetryDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retryDelay
}

func (d *Dispatcher) shrinkRetryDelay() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retryDelay /= 2
	if d.retryDelay < d.cfg.RetryDelayMin {
		d.retryDelay = d.cfg.RetryDelayMin
	}
}

func (d *Dispatcher) growRetryDelay() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retryDelay *= 2
	if d.retryDelay > d.cfg.RetryDelayMax {
		d.retryDelay = d.cfg.RetryDelayMax
	}
}

func (d *Dispatcher) alreadyDelivered(ctx context.Context, sourceURL, path string) (bool, error) {
	if d.delivered == nil {
		return false, nil
	}
	done, _, err := d.delivered.IsDelivered(ctx, sourceURL, path)
	if err != nil {
		d.logger.Warn("delivered-set lookup failed", "error", err)
		return false, err
	}
	return done, nil
}

func (d *Dispatcher) markDelivered(ctx context.Context, sourceURL, path, remoteRef string) {
	if d.delivered == nil {
		return
	}
	if err := d.delivered.MarkDelivered(ctx, sourceURL, path, remoteRef); err != nil {
		d.logger.Warn("delivered-set mark failed", "error", err)
	}
}

func (d *Dispatcher) recordOp(ctx context.Context, path string, size int64, transportName string, opErr error) {
	if d.oplog == nil {
		return
	}
	op := &domain.FileOperation{
		Filename:  filepath.Base(path),
		ByteSize:  size,
		Transport: transportName,
		Success:   opErr == nil,
		CreatedAt: time.Now(),
	}
	if opErr != nil {
		op.ErrorDetail = opErr.Error()
	}
	if err := d.oplog.Record(ctx, op); err != nil {
		d.logger.Warn("operation log write failed", "error", err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, sink ProgressSink, delivered, total int) {
	if sink == nil {
		return
	}
	sink.Progress(ctx, delivered, total)
}
