// Package control wires the pipeline together and manages its lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	sretry "github.com/sethvargo/go-retry"

	"github.com/mediarelay/relay/internal/core/config"
	"github.com/mediarelay/relay/internal/core/worker"
	"github.com/mediarelay/relay/internal/infra/fetch"
	redisclient "github.com/mediarelay/relay/internal/infra/redis"
	"github.com/mediarelay/relay/internal/infra/storage"
	"github.com/mediarelay/relay/internal/infra/storage/memory"
	"github.com/mediarelay/relay/internal/infra/storage/postgres"
	"github.com/mediarelay/relay/internal/infra/transport"
	"github.com/mediarelay/relay/internal/pipeline/breaker"
	"github.com/mediarelay/relay/internal/pipeline/dispatch"
	"github.com/mediarelay/relay/internal/pipeline/health"
	"github.com/mediarelay/relay/internal/pipeline/orchestrator"
	"github.com/mediarelay/relay/internal/pipeline/ratelimit"
)

// Relay is the main application struct that manages the pipeline lifecycle.
type Relay struct {
	cfg          *config.AppConfig
	orch         *orchestrator.Orchestrator
	healthServer *health.Server
	cleaner      *worker.Cleaner
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// NewRelay creates a new Relay instance with all dependencies initialized.
func NewRelay(cfg *config.AppConfig) (*Relay, error) {
	log := slog.Default()

	// 1. Initialize Storage
	var jobRepo storage.DeliveryJobRepository
	var oplogRepo storage.OperationLogRepository
	var db *postgres.DB
	var pingers []health.Pinger

	if cfg.Database.URL != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		// The database may still be coming up alongside us; retry the initial
		// connection before giving up.
		err := sretry.Do(connectCtx,
			sretry.WithMaxRetries(5, sretry.NewConstant(2*time.Second)),
			func(ctx context.Context) error {
				var err error
				db, err = postgres.NewDB(ctx, cfg.Database)
				if err != nil {
					return sretry.RetryableError(err)
				}
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		jobRepo = postgres.NewJobRepo(db)
		oplogRepo = postgres.NewOpLogRepo(db)
		pingers = append(pingers, db)
		log.Info("Using PostgreSQL storage")
	} else {
		jobRepo = memory.NewJobRepo()
		oplogRepo = memory.NewOpLogRepo()
		log.Info("Using Memory storage")
	}

	// 2. Initialize Redis (delivered-file idempotency set)
	var redisClient *redisclient.Client
	var delivered dispatch.DeliveredSet
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, delivery dedup disabled", "error", err)
		} else {
			delivered = redisClient
			pingers = append(pingers, redisClient)
		}
	}

	// 3. Initialize Rate Limiters
	sourceCfg, err := cfg.Source.Limiter()
	if err != nil {
		return nil, fmt.Errorf("source throttle config: %w", err)
	}
	deliveryCfg, err := cfg.Delivery.Limiter()
	if err != nil {
		return nil, fmt.Errorf("delivery throttle config: %w", err)
	}
	sourceLimiter := ratelimit.New("source", sourceCfg)
	deliveryLimiter := ratelimit.New("downstream", deliveryCfg)

	// 4. Initialize Transports and Dispatcher
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("at least one transport is required")
	}
	transports := make([]transport.Transport, 0, len(cfg.Transports))
	for _, tc := range cfg.Transports {
		tr, err := transport.NewHTTP(tc.Name, tc.Config)
		if err != nil {
			return nil, err
		}
		transports = append(transports, tr)
	}

	dispatchCfg, err := cfg.Dispatch.Dispatcher()
	if err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	dispatcher, err := dispatch.New(
		dispatchCfg, transports, deliveryLimiter, delivered, oplogRepo, log)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	// 5. Initialize Fetcher and Orchestrator
	fetcher, err := fetch.NewHTTP(cfg.Fetcher)
	if err != nil {
		return nil, fmt.Errorf("fetcher config: %w", err)
	}

	breakerThreshold := cfg.Pipeline.BreakerThreshold
	if breakerThreshold <= 0 {
		breakerThreshold = 5
	}
	breakerReset := time.Minute
	if cfg.Pipeline.BreakerResetTimeout != "" {
		breakerReset, err = time.ParseDuration(cfg.Pipeline.BreakerResetTimeout)
		if err != nil {
			return nil, fmt.Errorf("breaker_reset_timeout: %w", err)
		}
	}
	fetchBreaker := breaker.New("source", breakerThreshold, breakerReset)

	resumeMaxAge := 24 * time.Hour
	if cfg.Pipeline.ResumeMaxAge != "" {
		resumeMaxAge, err = time.ParseDuration(cfg.Pipeline.ResumeMaxAge)
		if err != nil {
			return nil, fmt.Errorf("resume_max_age: %w", err)
		}
	}

	orch := orchestrator.New(
		orchestrator.Config{
			MaxConcurrentUploads: cfg.Pipeline.MaxConcurrentUploads,
			ResumeMaxAge:         resumeMaxAge,
			FetchMaxRetries:      cfg.Pipeline.FetchMaxRetries,
			Backoff:              sourceCfg.Backoff,
		},
		fetcher, sourceLimiter, fetchBreaker, dispatcher, jobRepo, log)

	// 6. Initialize Health Monitor and Server
	healthMon := health.NewMonitor(
		[]*ratelimit.Limiter{sourceLimiter, deliveryLimiter},
		[]*breaker.Breaker{fetchBreaker},
		jobRepo,
		pingers...,
	)
	healthServer := health.NewServer(healthMon, &submitAdapter{orch: orch}, cfg.Server.Port, log)

	// 7. Initialize Cleaner
	fileRetention, err := parseOptionalDuration(cfg.Cleanup.FileRetention)
	if err != nil {
		return nil, fmt.Errorf("file_retention: %w", err)
	}
	jobRetention, err := parseOptionalDuration(cfg.Cleanup.JobRetention)
	if err != nil {
		return nil, fmt.Errorf("job_retention: %w", err)
	}
	cleaner := worker.NewCleaner(worker.CleanerConfig{
		MediaDir:      cfg.Fetcher.MediaDir,
		FileRetention: fileRetention,
		JobRetention:  jobRetention,
	}, jobRepo, log)

	return &Relay{
		cfg:          cfg,
		orch:         orch,
		healthServer: healthServer,
		cleaner:      cleaner,
		db:           db,
		redisClient:  redisClient,
		log:          log,
	}, nil
}

// Start starts the relay and all its components.
func (r *Relay) Start(ctx context.Context) error {
	go func() {
		if err := r.healthServer.Start(); err != nil {
			r.log.Error("Health server failed", "error", err)
		}
	}()

	if r.db != nil {
		r.db.StartMetricsCollector(ctx)
	}

	go r.cleaner.Start(ctx)

	// Startup sweep: finish what a previous process left behind.
	go func() {
		if err := r.orch.ResumePending(ctx); err != nil {
			r.log.Error("Startup resume failed", "error", err)
		}
	}()

	return nil
}

// Stop stops the relay.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("Stopping Relay...")

	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("Failed to close database", "error", err)
		}
	}

	return r.healthServer.Stop(ctx)
}

// SubmitJob forwards a job to the orchestrator. Exposed for embedding callers
// that bypass the HTTP surface.
func (r *Relay) SubmitJob(ctx context.Context, url, originRef, statusMessageRef string) (int, int, error) {
	return r.orch.SubmitJob(ctx, url, originRef, statusMessageRef, nil)
}

// submitAdapter narrows the orchestrator to the health server's Submitter.
type submitAdapter struct {
	orch *orchestrator.Orchestrator
}

func (a *submitAdapter) Submit(ctx context.Context, url, originRef, statusMessageRef string) (int, int, error) {
	return a.orch.SubmitJob(ctx, url, originRef, statusMessageRef, nil)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
