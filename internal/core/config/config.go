package config

import (
	"fmt"
	"time"

	"github.com/mediarelay/relay/internal/infra/fetch"
	redisclient "github.com/mediarelay/relay/internal/infra/redis"
	"github.com/mediarelay/relay/internal/infra/storage/postgres"
	"github.com/mediarelay/relay/internal/infra/transport"
	"github.com/mediarelay/relay/internal/pipeline/backoff"
	"github.com/mediarelay/relay/internal/pipeline/dispatch"
	"github.com/mediarelay/relay/internal/pipeline/ratelimit"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Fetcher    fetch.Config       `yaml:"fetcher"`
	Transports []TransportConfig  `yaml:"transports"`
	Source     ThrottleConfig     `yaml:"source_throttle"`
	Delivery   ThrottleConfig     `yaml:"delivery_throttle"`
	Dispatch   DispatchConfig     `yaml:"dispatch"`
	Pipeline   PipelineConfig     `yaml:"pipeline"`
	Cleanup    CleanupConfig      `yaml:"cleanup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TransportConfig names one downstream upload channel.
type TransportConfig struct {
	Name             string `yaml:"name"`
	transport.Config `yaml:",inline"`
}

// BackoffConfig holds exponential backoff settings as duration strings.
type BackoffConfig struct {
	Initial    string  `yaml:"initial"`
	Max        string  `yaml:"max"`
	Multiplier float64 `yaml:"multiplier"`
	Jitter     float64 `yaml:"jitter"`
}

// Calculator converts to the backoff package's config, falling back to its
// defaults field by field.
func (c BackoffConfig) Calculator() (backoff.Config, error) {
	def := backoff.DefaultConfig()
	initial, err := parseDuration(c.Initial, def.Initial)
	if err != nil {
		return backoff.Config{}, fmt.Errorf("backoff initial: %w", err)
	}
	max, err := parseDuration(c.Max, def.Max)
	if err != nil {
		return backoff.Config{}, fmt.Errorf("backoff max: %w", err)
	}
	cfg := backoff.Config{
		Initial:        initial,
		Max:            max,
		Multiplier:     c.Multiplier,
		JitterFraction: c.Jitter,
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = def.JitterFraction
	}
	return cfg, nil
}

// ThrottleConfig holds rate limiter settings for one dependency.
type ThrottleConfig struct {
	MinInterval          string        `yaml:"min_interval"`
	BatchDelay           string        `yaml:"batch_delay"`
	RequestsPerHour      int           `yaml:"requests_per_hour"`
	BurstWindow          string        `yaml:"burst_window"`
	MaxBurstRequests     int           `yaml:"max_burst_requests"`
	BurstBaseMultiplier  float64       `yaml:"burst_base_multiplier"`
	BurstStepMultiplier  float64       `yaml:"burst_step_multiplier"`
	BurstHardMultiplier  float64       `yaml:"burst_hard_multiplier"`
	ConservativeDuration string        `yaml:"conservative_duration"`
	SessionRotateAfter   string        `yaml:"session_rotate_after"`
	SessionMaxRequests   int           `yaml:"session_max_requests"`
	Backoff              BackoffConfig `yaml:"backoff"`
}

// Limiter converts to the ratelimit package's config.
func (c ThrottleConfig) Limiter() (ratelimit.Config, error) {
	def := ratelimit.DefaultConfig()
	cfg := def

	var err error
	if cfg.MinInterval, err = parseDuration(c.MinInterval, def.MinInterval); err != nil {
		return ratelimit.Config{}, fmt.Errorf("min_interval: %w", err)
	}
	if cfg.BatchDelay, err = parseDuration(c.BatchDelay, def.BatchDelay); err != nil {
		return ratelimit.Config{}, fmt.Errorf("batch_delay: %w", err)
	}
	if cfg.BurstWindow, err = parseDuration(c.BurstWindow, def.BurstWindow); err != nil {
		return ratelimit.Config{}, fmt.Errorf("burst_window: %w", err)
	}
	if cfg.ConservativeDuration, err = parseDuration(c.ConservativeDuration, def.ConservativeDuration); err != nil {
		return ratelimit.Config{}, fmt.Errorf("conservative_duration: %w", err)
	}
	if cfg.SessionRotateAfter, err = parseDuration(c.SessionRotateAfter, def.SessionRotateAfter); err != nil {
		return ratelimit.Config{}, fmt.Errorf("session_rotate_after: %w", err)
	}
	if c.RequestsPerHour > 0 {
		cfg.RequestsPerHour = c.RequestsPerHour
	}
	if c.MaxBurstRequests > 0 {
		cfg.MaxBurstRequests = c.MaxBurstRequests
	}
	if c.SessionMaxRequests > 0 {
		cfg.SessionMaxRequests = c.SessionMaxRequests
	}
	if c.BurstBaseMultiplier > 0 {
		cfg.BurstBaseMultiplier = c.BurstBaseMultiplier
	}
	if c.BurstStepMultiplier > 0 {
		cfg.BurstStepMultiplier = c.BurstStepMultiplier
	}
	if c.BurstHardMultiplier > 0 {
		cfg.BurstHardMultiplier = c.BurstHardMultiplier
	}
	if cfg.Backoff, err = c.Backoff.Calculator(); err != nil {
		return ratelimit.Config{}, err
	}
	return cfg, nil
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	MaxRetries        int           `yaml:"max_retries"`
	MaxBatchReplays   int           `yaml:"max_batch_replays"`
	RetryDelayInitial string        `yaml:"retry_delay_initial"`
	RetryDelayMin     string        `yaml:"retry_delay_min"`
	RetryDelayMax     string        `yaml:"retry_delay_max"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// Dispatcher converts to the dispatch package's config.
func (c DispatchConfig) Dispatcher() (dispatch.Config, error) {
	def := dispatch.DefaultConfig()
	cfg := def

	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.MaxBatchReplays > 0 {
		cfg.MaxBatchReplays = c.MaxBatchReplays
	}

	var err error
	if cfg.RetryDelayInitial, err = parseDuration(c.RetryDelayInitial, def.RetryDelayInitial); err != nil {
		return dispatch.Config{}, fmt.Errorf("retry_delay_initial: %w", err)
	}
	if cfg.RetryDelayMin, err = parseDuration(c.RetryDelayMin, def.RetryDelayMin); err != nil {
		return dispatch.Config{}, fmt.Errorf("retry_delay_min: %w", err)
	}
	if cfg.RetryDelayMax, err = parseDuration(c.RetryDelayMax, def.RetryDelayMax); err != nil {
		return dispatch.Config{}, fmt.Errorf("retry_delay_max: %w", err)
	}
	if cfg.Backoff, err = c.Backoff.Calculator(); err != nil {
		return dispatch.Config{}, err
	}
	return cfg, nil
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	MaxConcurrentUploads int64  `yaml:"max_concurrent_uploads"`
	ResumeMaxAge         string `yaml:"resume_max_age"`
	FetchMaxRetries      int    `yaml:"fetch_max_retries"`

	// BreakerThreshold and BreakerResetTimeout tune the circuit guarding the
	// source fetcher.
	BreakerThreshold    int    `yaml:"breaker_threshold"`
	BreakerResetTimeout string `yaml:"breaker_reset_timeout"`
}

// CleanupConfig holds retention settings.
type CleanupConfig struct {
	FileRetention string `yaml:"file_retention"`
	JobRetention  string `yaml:"job_retention"`
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
