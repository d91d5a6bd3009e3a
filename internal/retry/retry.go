// Package retry decides whether and when a failed publish attempt runs again.
package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy is the backoff schedule for transient publish failures.
// Zero fields take the defaults below.
type Policy struct {
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	// Jitter is the symmetric random factor applied to each delay,
	// e.g. 0.2 spreads delays across ±20%.
	Jitter float64 `json:"jitter,omitempty"`
}

const (
	defaultBaseDelay   = 30 * time.Second
	defaultMaxDelay    = 30 * time.Minute
	defaultMaxAttempts = 5
	defaultJitter      = 0.2
)

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Jitter <= 0 {
		p.Jitter = defaultJitter
	}
	return p
}

// Next computes the delay before the retry following the given completed
// attempt count. ok is false when the attempt budget is spent or err is
// marked NoRetry. An explicit RetryAfter hint on err overrides the
// exponential schedule, bounded by MaxDelay; jitter applies either way.
func (p Policy) Next(attempts int, err error, rng *rand.Rand) (time.Duration, bool) {
	p = p.withDefaults()
	if attempts >= p.MaxAttempts || IsNoRetry(err) {
		return 0, false
	}

	d := p.BaseDelay
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
	} else {
		for i := 1; i < attempts; i++ {
			d *= 2
			if d > p.MaxDelay {
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d, true
}

// NoRetry marks an error as permanent so the item fails immediately
// instead of burning its attempt budget.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches an explicit delay hint to err, typically from a
// downstream Retry-After response. The policy respects the hint bounded
// by MaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
