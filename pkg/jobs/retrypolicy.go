package jobs

import (
	"math"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 500 * time.Millisecond
	DefaultBackoffCap   = time.Minute
	DefaultBackoffScale = 2.0
)

// RetryPolicy decides whether a failed job retries and how long it waits.
// It is pure: no clocks, no stores.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy returns the standard policy: 3 attempts with capped
// exponential backoff starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBackoffBase,
		MaxDelay:    DefaultBackoffCap,
		Multiplier:  DefaultBackoffScale,
	}
}

// ShouldRetry reports whether a job that has executed `attempts` times may
// run again under the given cap. maxAttempts of 0 means the policy default.
func (p RetryPolicy) ShouldRetry(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	return attempts < maxAttempts
}

// BackoffDelay returns the wait before attempt+1 given that `attempt`
// executions have failed. The delay grows exponentially from BaseDelay and
// is capped at MaxDelay.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
