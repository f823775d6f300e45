// Package retry decides whether and when a failed mutation should be pushed
// again. The policy is pure: it never sleeps, never touches the clock, and
// never mutates queue state. Callers apply the decision.
package retry

import (
	"fmt"
	"time"
)

// Policy computes backoff delays and give-up thresholds from a record's
// attempt count. Delays double per attempt up to a ceiling. Critical records
// use a shorter ceiling so they keep probing more often, but are allowed
// more attempts before the policy gives up on them.
type Policy struct {
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff for non-critical records.
	MaxDelay time.Duration
	// CriticalMaxDelay caps the backoff for critical records.
	CriticalMaxDelay time.Duration
	// MaxAttempts is how many pushes a non-critical record gets before the
	// policy gives up and the record is quarantined.
	MaxAttempts int
	// CriticalMaxAttempts is the give-up threshold for critical records.
	CriticalMaxAttempts int
}

// DefaultPolicy returns the policy used when no overrides are configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:           5 * time.Second,
		MaxDelay:            15 * time.Minute,
		CriticalMaxDelay:    2 * time.Minute,
		MaxAttempts:         5,
		CriticalMaxAttempts: 8,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay must be at least the base delay")
	}
	if p.CriticalMaxDelay <= 0 {
		return fmt.Errorf("critical max delay must be positive")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if p.CriticalMaxAttempts < p.MaxAttempts {
		return fmt.Errorf("critical max attempts must be at least max attempts")
	}
	return nil
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	// GiveUp means the record has exhausted its attempts and should be
	// quarantined. RetryAfter is zero when GiveUp is set.
	GiveUp bool
	// RetryAfter is how long the record must wait before it becomes
	// eligible for dequeue again.
	RetryAfter time.Duration
}

// Decide returns the retry decision for a record that has now failed
// attempts times. Identical inputs always produce identical decisions.
func (p Policy) Decide(attempts int, critical bool) Decision {
	maxAttempts := p.MaxAttempts
	maxDelay := p.MaxDelay
	if critical {
		maxAttempts = p.CriticalMaxAttempts
		maxDelay = p.CriticalMaxDelay
	}

	if attempts >= maxAttempts {
		return Decision{GiveUp: true}
	}

	return Decision{RetryAfter: p.delay(attempts, maxDelay)}
}

func (p Policy) delay(attempts int, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// Shifts past 62 bits would overflow; the cap applies long before that.
	shift := uint(attempts - 1)
	if shift > 30 {
		return maxDelay
	}
	d := p.BaseDelay << shift
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}
