package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPError carries the status and body of a failed provider request so the
// retry layer can decide whether the call is worth repeating.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// RetryConfig bounds the connection-phase retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// retryable reports whether an error is a transient provider failure.
// Client errors other than 429 are permanent.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return true
		case httpErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	// Network-level failures (connection reset, DNS) are retryable.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryDo runs fn with exponential backoff, honoring Retry-After when the
// provider sends one. Only the connection phase goes through here; once a
// stream is open there is no retry.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		wait := delay
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		slog.Warn("provider request failed, retrying", "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return zero, lastErr
}

// ParseRetryAfter converts a Retry-After header (seconds form) to a duration.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
