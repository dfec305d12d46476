package conversion

import (
	"fmt"
	"time"
)

// BackoffKind selects how the delay between attempts grows
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds how often a job is attempted and how long the worker
// waits between attempts. It travels with the job so the worker never has to
// know which flow enqueued it.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	BackoffKind BackoffKind   `json:"backoffKind"`
	MaxBackoff  time.Duration `json:"maxBackoff,omitempty"`
}

// DefaultRetryPolicy is used for queued HTML conversions
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffKind: BackoffExponential,
	}
}

// URLCallbackRetryPolicy is used for URL conversions delivered to a callback
func URLCallbackRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BackoffBase: 2 * time.Second,
		BackoffKind: BackoffExponential,
	}
}

// Validate checks the policy is usable
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BackoffBase < 0 {
		return fmt.Errorf("backoff base cannot be negative")
	}
	switch p.BackoffKind {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff kind %q", p.BackoffKind)
	}
	return nil
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made (1-based). Exponential delay is base * 2^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BackoffKind != BackoffExponential {
		return p.BackoffBase
	}

	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		// stop doubling before the duration overflows
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
