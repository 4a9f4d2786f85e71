package engine

import (
	"context"
	"time"
)

// RetryPolicy decides whether and when a failed dispatch is retried.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry. Default: 1s
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`

	// MaxDelay caps the exponential backoff. Default: 30s
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`

	// MaxRetries is the number of retries after the first attempt. Default: 3
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// ShouldRetry reports whether a failure of the given kind on the given
// zero-based attempt may be retried. Non-retryable kinds fail fast without
// consuming the budget.
func (p RetryPolicy) ShouldRetry(attempt int, kind ErrorKind) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return kind.Retryable()
}

// Backoff returns min(BaseDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Wait sleeps for Backoff(attempt) or until ctx is done.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	delay := p.Backoff(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
