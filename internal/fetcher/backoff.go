package fetcher

import (
	"net/http"
	"slices"
	"time"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay uniformly within ±Jitter of its nominal value.
	Jitter float64
	// RetryStatuses lists the HTTP codes worth another attempt; empty means every 5xx.
	RetryStatuses []int
}

// Retryable reports whether an HTTP status code is retried under the policy.
func (p RetryPolicy) Retryable(code int) bool {
	if len(p.RetryStatuses) == 0 {
		return code >= http.StatusInternalServerError
	}
	return slices.Contains(p.RetryStatuses, code)
}

// DefaultRetryPolicy mirrors the shipped configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff is the explicit retry state: how many attempts were made and how
// long to wait before the next one. It never allows more than MaxAttempts.
type Backoff struct {
	policy    RetryPolicy
	rand      func() float64
	attempt   int
	nextDelay time.Duration
}

// NewBackoff starts a fresh state machine; rand must return values in [0, 1).
func NewBackoff(policy RetryPolicy, rand func() float64) *Backoff {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if rand == nil {
		rand = func() float64 { return 0.5 }
	}
	return &Backoff{
		policy:    policy,
		rand:      rand,
		nextDelay: policy.BaseDelay,
	}
}

// Attempt returns the number of failed attempts recorded so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Next records a failed attempt. It returns the delay before the next attempt,
// or false once the attempt budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}

	delay := b.jittered(b.nextDelay)

	grown := b.nextDelay * 2
	if grown < b.nextDelay {
		grown = b.nextDelay
	}
	if b.policy.MaxDelay > 0 && grown > b.policy.MaxDelay {
		grown = b.policy.MaxDelay
	}
	b.nextDelay = grown

	return delay, true
}

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.policy.MaxDelay > 0 && d > b.policy.MaxDelay {
		d = b.policy.MaxDelay
	}
	if b.policy.Jitter <= 0 || d <= 0 {
		return d
	}
	factor := 1 + b.policy.Jitter*(2*b.rand()-1)
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	return out
}
