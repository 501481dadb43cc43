// Package breaker implements a circuit breaker guarding one external
// dependency.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
	"github.com/mediarelay/relay/internal/pipeline/metrics"
)

// Breaker trips after a threshold of consecutive failures and fails fast
// until the reset timeout elapses, at which point exactly one probe call is
// allowed through. One breaker guards exactly one logical dependency; sharing
// an instance across unrelated call sites makes failures in one spuriously
// trip protection for another.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration

	mu            sync.Mutex
	failures      int
	lastFailureAt time.Time
	open          bool
	probing       bool

	now func() time.Time
}

// New creates a closed breaker for the named dependency.
func New(name string, threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Do invokes op under breaker protection. While the breaker is open and the
// reset timeout has not elapsed, Do fails fast with ErrServiceUnavailable
// without invoking op. Otherwise op's own error is passed through unchanged;
// the breaker observes errors, it never rewrites them.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether a call may proceed. At most one probe is granted per
// open period, regardless of concurrent callers.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}

	if b.now().Sub(b.lastFailureAt) >= b.resetTimeout && !b.probing {
		b.probing = true
		slog.Debug("Circuit breaker allowing probe", "dependency", b.name)
		return nil
	}

	return fmt.Errorf("%s: %w", b.name, domain.ErrServiceUnavailable)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		slog.Info("Circuit breaker closed", "dependency", b.name)
	}
	b.failures = 0
	b.open = false
	b.probing = false
	metrics.BreakerOpen.WithLabelValues(b.name).Set(0)
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()
	b.probing = false

	if b.failures >= b.threshold && !b.open {
		b.open = true
		slog.Warn("Circuit breaker opened",
			"dependency", b.name, "failures", b.failures, "reset_timeout", b.resetTimeout)
	}
	if b.open {
		metrics.BreakerOpen.WithLabelValues(b.name).Set(1)
	}
}

// IsOpen reports whether the breaker currently rejects calls, for health
// reporting.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.lastFailureAt) < b.resetTimeout
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }
