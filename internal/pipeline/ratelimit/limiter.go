// Package ratelimit implements the adaptive throttle gating calls to a
// rate-limited external dependency.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
	"github.com/mediarelay/relay/internal/pipeline/backoff"
	"github.com/mediarelay/relay/internal/pipeline/metrics"
)

// Kind distinguishes normal requests from batch requests, which carry a
// higher delay floor.
type Kind string

const (
	KindNormal Kind = "normal"
	KindBatch  Kind = "batch"
)

// Limiter decides how long a caller must wait before the next call to one
// external dependency and tracks enough history to detect bursts and
// sustained overload. One Limiter per dependency; all state is guarded by a
// single mutex so concurrent callers never race on the history or the
// conservative-mode flag.
//
// The limiter never fails: it only delays (or honors context cancellation).
type Limiter struct {
	name     string
	cfg      Config
	calc     *backoff.Calculator
	classify domain.Classifier

	mu                sync.Mutex
	lastRequestAt     time.Time
	history           []time.Time
	consecutiveErrors int
	conservativeUntil time.Time
	sessionStart      time.Time
	sessionRequests   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter for the named dependency.
func New(name string, cfg Config) *Limiter {
	return &Limiter{
		name:         name,
		cfg:          cfg,
		calc:         backoff.New(cfg.Backoff),
		classify:     domain.Classify,
		sessionStart: time.Now(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// SetClassifier overrides the error classifier (tests inject deterministic
// classifications here).
func (l *Limiter) SetClassifier(c domain.Classifier) { l.classify = c }

// Wait suspends the caller for the computed delay, then records the request.
// Returns only the context's error on cancellation; a cancelled wait records
// nothing.
func (l *Limiter) Wait(ctx context.Context, kind Kind) error {
	delay := l.computeDelay(kind)

	if delay > 0 {
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
		metrics.RateLimitWait.WithLabelValues(l.name).Observe(delay.Seconds())
	}

	l.mu.Lock()
	now := l.now()
	l.lastRequestAt = now
	l.history = append(l.history, now)
	l.sessionRequests++
	l.pruneLocked(now)
	l.mu.Unlock()

	return nil
}

func (l *Limiter) computeDelay(kind Kind) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.exitConservativeLocked(now)
	l.pruneLocked(now)

	// Floor between requests: never allow back-to-back calls faster than
	// MinInterval, even after a long idle gap.
	delay := l.cfg.MinInterval - now.Sub(l.lastRequestAt)
	if delay < l.cfg.MinInterval {
		delay = l.cfg.MinInterval
	}

	if kind == KindBatch && delay < l.cfg.BatchDelay {
		delay = l.cfg.BatchDelay
	}

	if l.inConservativeLocked(now) {
		delay *= 2
	}

	// Burst penalty: count requests inside the rolling burst window,
	// including the one about to be made.
	burstCount := l.countSinceLocked(now.Add(-l.cfg.BurstWindow)) + 1
	if over := burstCount - l.cfg.MaxBurstRequests; over > 0 {
		multiplier := l.cfg.BurstBaseMultiplier + l.cfg.BurstStepMultiplier*float64(over)
		delay = time.Duration(float64(delay) * multiplier)
		if min := time.Duration(float64(l.cfg.MinInterval) * 1.1); delay < min {
			delay = min
		}
		if burstCount >= l.cfg.MaxBurstRequests*2 {
			delay = time.Duration(float64(delay) * l.cfg.BurstHardMultiplier)
		}
	}

	// Jitter avoids synchronized wakeups across concurrent callers.
	return l.calc.Jitter(delay)
}

// HandleError classifies an error, updates conservative-mode state and
// returns the backoff delay the caller should apply. Classification failures
// degrade to the default exponential backoff; HandleError itself never fails.
func (l *Limiter) HandleError(err error) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	// An expired conservative window must clear before the counter grows,
	// or a stale count resumes backoff where the old incident left off.
	l.exitConservativeLocked(l.now())
	l.consecutiveErrors++

	switch l.classify(err) {
	case domain.CategoryRateLimited:
		l.enterConservativeLocked()
		return l.calc.Delay(l.consecutiveErrors)
	case domain.CategoryBlocked:
		l.enterConservativeLocked()
		return l.cfg.Backoff.Max
	}

	attempt := l.consecutiveErrors
	if attempt > 3 {
		attempt = 3
	}
	return l.calc.Delay(attempt)
}

// HandleSuccess resets the consecutive error counter.
func (l *Limiter) HandleSuccess() {
	l.mu.Lock()
	l.consecutiveErrors = 0
	l.mu.Unlock()
}

// CanMakeRequest reports whether the hourly quota has room and conservative
// mode is off. Advisory only; Wait still enforces pacing regardless.
func (l *Limiter) CanMakeRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.exitConservativeLocked(now)
	l.pruneLocked(now)

	return len(l.history) < l.cfg.RequestsPerHour && !l.inConservativeLocked(now)
}

// ShouldRotateSession reports whether the session has aged or worked past its
// configured limits. Advisory, consumed by the orchestrator.
func (l *Limiter) ShouldRotateSession() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.now().Sub(l.sessionStart) >= l.cfg.SessionRotateAfter ||
		l.sessionRequests >= l.cfg.SessionMaxRequests
}

// ResetSession starts a fresh session window after a rotation.
func (l *Limiter) ResetSession() {
	l.mu.Lock()
	l.sessionStart = l.now()
	l.sessionRequests = 0
	l.mu.Unlock()
}

// InConservativeMode reports the current mode, for health reporting.
func (l *Limiter) InConservativeMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.exitConservativeLocked(now)
	return l.inConservativeLocked(now)
}

// HourlyRequestCount returns the number of requests in the rolling window,
// for health reporting.
func (l *Limiter) HourlyRequestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.history)
}

// Name returns the guarded dependency's name.
func (l *Limiter) Name() string { return l.name }

func (l *Limiter) enterConservativeLocked() {
	now := l.now()
	until := now.Add(l.cfg.ConservativeDuration)
	if until.After(l.conservativeUntil) {
		l.conservativeUntil = until
		slog.Warn("Entering conservative mode",
			"limiter", l.name, "duration", l.cfg.ConservativeDuration)
	}
}

func (l *Limiter) exitConservativeLocked(now time.Time) {
	if !l.conservativeUntil.IsZero() && !now.Before(l.conservativeUntil) {
		l.conservativeUntil = time.Time{}
		l.consecutiveErrors = 0
		slog.Info("Exiting conservative mode", "limiter", l.name)
	}
}

func (l *Limiter) inConservativeLocked(now time.Time) bool {
	return !l.conservativeUntil.IsZero() && now.Before(l.conservativeUntil)
}

// pruneLocked drops history entries older than one hour. Invariant: the
// history never contains entries outside the rolling window.
func (l *Limiter) pruneLocked(now time.Time) {
	threshold := now.Add(-time.Hour)
	i := 0
	for i < len(l.history) && !l.history[i].After(threshold) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

func (l *Limiter) countSinceLocked(since time.Time) int {
	n := 0
	for i := len(l.history) - 1; i >= 0; i-- {
		if l.history[i].After(since) {
			n++
		} else {
			break
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
