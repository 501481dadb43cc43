// Package backoff provides the pure delay calculation shared by the rate
// limiter and the retry policy.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config defines the exponential backoff curve.
type Config struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultConfig matches the source-side throttling curve: 10s initial,
// 30 minute ceiling, doubling, 10% jitter.
func DefaultConfig() Config {
	return Config{
		Initial:        10 * time.Second,
		Max:            30 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Calculator computes backoff delays. Deterministic given an injected random
// source; safe for concurrent use when the source is (rand/v2 global is).
type Calculator struct {
	cfg  Config
	rand func() float64 // uniform [0, 1)
}

// New creates a Calculator using the shared math/rand/v2 source.
func New(cfg Config) *Calculator {
	return NewWithRand(cfg, rand.Float64)
}

// NewWithRand creates a Calculator with an injected random source, used by
// tests for deterministic jitter.
func NewWithRand(cfg Config, r func() float64) *Calculator {
	return &Calculator{cfg: cfg, rand: r}
}

// Delay returns min(Initial * Multiplier^attempt, Max) with symmetric jitter
// applied. Attempts are 0-indexed. Never negative.
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.cfg.Initial) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if d > float64(c.cfg.Max) {
		d = float64(c.cfg.Max)
	}
	return c.Jitter(time.Duration(d))
}

// Jitter applies symmetric jitter d ± d*JitterFraction drawn uniformly,
// clamped at zero. Exposed separately so the rate limiter can jitter delays
// that were not produced by the exponential curve.
func (c *Calculator) Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	amplitude := float64(d) * c.cfg.JitterFraction
	// rand in [0,1) mapped to [-amplitude, +amplitude)
	offset := (c.rand()*2 - 1) * amplitude
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// Max returns the configured ceiling.
func (c *Calculator) Max() time.Duration {
	return c.cfg.Max
}
