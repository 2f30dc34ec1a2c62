package flow

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy configures how failed node attempts are rescheduled.
//
// Backoff grows exponentially from InitialBackoff by Multiplier per
// attempt, clamped to MaxBackoff, with a random jitter fraction added so
// synchronized failures do not retry in lockstep.
//
// Example:
//
//	policy := flow.RetryPolicy{
//	    MaxRetries:     3,
//	    InitialBackoff: time.Second,
//	    MaxBackoff:     5 * time.Minute,
//	    Multiplier:     2.0,
//	    Jitter:         0.2,
//	}
//
// With that policy the delays are roughly 1s, 2s, 4s (each +-20%).
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retrying.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff clamps the exponential growth.
	MaxBackoff time.Duration

	// Multiplier is the exponential growth factor per attempt.
	Multiplier float64

	// Jitter is the random fraction (0..1) added to each delay.
	Jitter float64
}

// DefaultRetryPolicy returns the deployment default: three retries with
// 1s initial backoff doubling up to 5m, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Validate checks policy fields for consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry policy: MaxRetries must be >= 0, got %d", p.MaxRetries)
	}
	if p.MaxRetries > 0 && p.InitialBackoff <= 0 {
		return fmt.Errorf("retry policy: InitialBackoff must be > 0, got %v", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("retry policy: MaxBackoff %v is below InitialBackoff %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("retry policy: Multiplier must be >= 1.0, got %v", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry policy: Jitter must be in [0,1], got %v", p.Jitter)
	}
	return nil
}

// RetryManager applies a RetryPolicy to execution retry bookkeeping.
// Safe for concurrent use by worker goroutines.
type RetryManager struct {
	policy RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryManager builds a RetryManager. An invalid policy falls back
// to DefaultRetryPolicy.
func NewRetryManager(policy RetryPolicy) *RetryManager {
	if policy.Validate() != nil {
		policy = DefaultRetryPolicy()
	}
	return &RetryManager{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the active policy.
func (m *RetryManager) Policy() RetryPolicy {
	return m.policy
}

// ShouldRetry reports whether another retry may be scheduled given the
// retries already used.
func (m *RetryManager) ShouldRetry(retryCount int) bool {
	return retryCount < m.policy.MaxRetries
}

// Backoff computes the delay before retry number retryCount (1-indexed:
// the first retry passes 1). The result is the exponential delay plus
// jitter, clamped to MaxBackoff.
func (m *RetryManager) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	delay := float64(m.policy.InitialBackoff) * math.Pow(m.policy.Multiplier, float64(retryCount-1))
	if delay > float64(m.policy.MaxBackoff) {
		delay = float64(m.policy.MaxBackoff)
	}

	if m.policy.Jitter > 0 {
		m.mu.Lock()
		frac := m.rng.Float64()
		m.mu.Unlock()
		// Jitter spreads the delay in [delay*(1-j), delay*(1+j)].
		delay += delay * m.policy.Jitter * (2*frac - 1)
	}

	d := time.Duration(delay)
	if d < 0 {
		d = 0
	}
	if d > m.policy.MaxBackoff {
		d = m.policy.MaxBackoff
	}
	return d
}

// NextRetryAt computes the wall-clock time of retry number retryCount.
func (m *RetryManager) NextRetryAt(retryCount int, now time.Time) time.Time {
	return now.Add(m.Backoff(retryCount))
}
