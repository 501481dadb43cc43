package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrServiceUnavailable is produced only by an open circuit breaker. It
	// substitutes the wrapped operation's own error and means "do not even
	// attempt".
	ErrServiceUnavailable = errors.New("service unavailable: circuit open")

	// ErrNotFound means the requested media does not exist. Not retryable.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means access to the media was denied. Not retryable.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthRequired means the source session is invalid or expired.
	ErrAuthRequired = errors.New("authentication required")
)

// RateLimitedError carries a server-suggested delay that must be honored in
// addition to internal backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// BlockedError indicates the remote service flagged our traffic as abusive.
// Treated as maximal backoff, retried only within a small budget.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by remote service: %s", e.Reason)
}

// FailureCategory is the closed classification consumed by the retry policy
// and the rate limiter.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryRateLimited
	CategoryBlocked
	CategoryNonRetryable
)

func (c FailureCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryBlocked:
		return "blocked"
	case CategoryNonRetryable:
		return "non_retryable"
	}
	return "unknown"
}

// Classifier maps an error to a failure category. Injectable so tests can
// supply deterministic classifications.
type Classifier func(err error) FailureCategory

// Classify is the default classifier. Typed errors and gRPC status codes are
// authoritative; the trailing phrase matching is a best-effort heuristic for
// collaborators that only surface message strings.
func Classify(err error) FailureCategory {
	if err == nil {
		return CategoryTransient
	}

	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return CategoryRateLimited
	}
	var be *BlockedError
	if errors.As(err, &be) {
		return CategoryBlocked
	}
	if errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAuthRequired) {
		return CategoryNonRetryable
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.ResourceExhausted:
			return CategoryRateLimited
		case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated,
			codes.InvalidArgument:
			return CategoryNonRetryable
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return CategoryTransient
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429", "flood wait"):
		return CategoryRateLimited
	case containsAny(msg, "blocked", "suspicious", "unusual activity"):
		return CategoryBlocked
	case containsAny(msg, "not found", "404", "forbidden", "403", "unauthorized", "401"):
		return CategoryNonRetryable
	}
	return CategoryTransient
}

// UserMessage maps an error to a human-readable category for status surfaces.
// Internal classification strings are never shown verbatim to end users.
func UserMessage(err error) string {
	switch Classify(err) {
	case CategoryRateLimited:
		return "The delivery service is busy, the job will be retried shortly."
	case CategoryBlocked:
		return "The source service refused the request. Delivery is paused."
	case CategoryNonRetryable:
		switch {
		case errors.Is(err, ErrNotFound):
			return "The requested media could not be found."
		case errors.Is(err, ErrForbidden):
			return "Access to the requested media was denied."
		case errors.Is(err, ErrAuthRequired):
			return "The source session expired, sign in again."
		}
		return "The request could not be processed."
	}
	return "A temporary error occurred, retrying."
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
