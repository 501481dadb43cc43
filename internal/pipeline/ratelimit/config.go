package ratelimit

import (
	"time"

	"github.com/mediarelay/relay/internal/pipeline/backoff"
)

// Config holds rate limiter tuning. The burst penalty constants preserve the
// source-side behavior (base 1.2, +0.1 per request over the threshold, an
// extra x1.5 past double the threshold) but are plain fields, not sacred.
type Config struct {
	MinInterval     time.Duration
	BatchDelay      time.Duration
	RequestsPerHour int

	BurstWindow         time.Duration
	MaxBurstRequests    int
	BurstBaseMultiplier float64
	BurstStepMultiplier float64
	BurstHardMultiplier float64

	ConservativeDuration time.Duration

	SessionRotateAfter time.Duration
	SessionMaxRequests int

	Backoff backoff.Config
}

// DefaultConfig mirrors the production source-side limits: 6s floor, 30s
// batch delay, 100 requests/hour, 30 minute conservative mode, hourly
// session rotation after 50 requests.
func DefaultConfig() Config {
	return Config{
		MinInterval:          6 * time.Second,
		BatchDelay:           30 * time.Second,
		RequestsPerHour:      100,
		BurstWindow:          10 * time.Second,
		MaxBurstRequests:     5,
		BurstBaseMultiplier:  1.2,
		BurstStepMultiplier:  0.1,
		BurstHardMultiplier:  1.5,
		ConservativeDuration: 30 * time.Minute,
		SessionRotateAfter:   time.Hour,
		SessionMaxRequests:   50,
		Backoff:              backoff.DefaultConfig(),
	}
}
