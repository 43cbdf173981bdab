package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UpstreamError is a non-2xx answer from an external model service.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the failure is transient.
func (e *UpstreamError) Retryable() bool {
	return IsRetryableHTTPStatus(e.StatusCode)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes. Rate limits
// are folded in with server errors.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	// Transport errors (reset, refused) carry no status.
	return true
}

// ErrorKind buckets an error for metric labels.
func ErrorKind(err error) string {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &upstream):
		if upstream.StatusCode == 429 {
			return "rate_limited"
		}
		return fmt.Sprintf("http_%d", upstream.StatusCode)
	default:
		return "transport"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times, sleeping with capped exponential
// backoff between retryable failures.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
