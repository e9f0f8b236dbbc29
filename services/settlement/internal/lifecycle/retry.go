package lifecycle

import (
	"math/rand"
	"time"
)

// RetryPolicy schedules bounded, jittered exponential backoff for failed
// settlements. Attempt numbers are 1-based and come from the order's
// retry_count after the failure was recorded.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		JitterFrac:  0.2,
	}
}

// Delay returns how long to wait before the given attempt. The first retry
// waits BaseDelay, each later one doubles, capped at MaxDelay, with up to
// ±JitterFrac spread so replicas do not retry in lockstep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	d := base << uint(attempt-1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if p.JitterFrac > 0 {
		spread := float64(d) * p.JitterFrac
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		d = base
	}
	return d
}

// Exhausted reports whether an order has used up its retry budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 5
	}
	return retryCount >= max
}

// NextRetryAt is the wall-clock deadline written to the order row.
func (p RetryPolicy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
