package util

import (
	"context"
	"math/rand"
	"time"
)

// BackoffPolicy describes a bounded exponential backoff with jitter.
// The same policy type serves registration retries, keepalive resends and
// stream recovery; call sites differ only in their parameters.
type BackoffPolicy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between attempts.
	Max time.Duration
	// Multiplier scales the delay after every attempt. Values <= 1 mean a
	// constant interval.
	Multiplier float64
	// Jitter is the fraction of the delay randomized on each attempt,
	// in [0, 1]. 0.2 means +/-20%.
	Jitter float64
	// MaxAttempts bounds the number of attempts. 0 means unbounded.
	MaxAttempts int
}

// Backoff tracks retry state for one call site.
type Backoff struct {
	policy  BackoffPolicy
	attempt int
	rng     *rand.Rand
}

// NewBackoff creates retry state from a policy.
func NewBackoff(policy BackoffPolicy) *Backoff {
	if policy.Initial <= 0 {
		policy.Initial = time.Second
	}
	if policy.Max <= 0 {
		policy.Max = time.Minute
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Backoff{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt, or false when the
// attempt budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}

	delay := float64(b.policy.Initial)
	for i := 0; i < b.attempt; i++ {
		delay *= b.policy.Multiplier
		if delay >= float64(b.policy.Max) {
			delay = float64(b.policy.Max)
			break
		}
	}
	b.attempt++

	if b.policy.Jitter > 0 {
		span := delay * b.policy.Jitter
		delay = delay - span + b.rng.Float64()*2*span
	}
	if delay < 0 {
		delay = 0
	}
	if delay > float64(b.policy.Max) {
		delay = float64(b.policy.Max)
	}
	return time.Duration(delay), true
}

// Attempt returns the number of attempts consumed so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restores the backoff to its initial state after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for the next delay or returns early when the context is
// canceled. It returns false when the budget is exhausted or the context
// ended.
func (b *Backoff) Wait(ctx context.Context) bool {
	delay, ok := b.Next()
	if !ok {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
