package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestNextExponentialSchedule(t *testing.T) {
	p := Policy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, MaxAttempts: 5}
	failure := errors.New("telegram: 502")

	// Runs without a rng so delays are deterministic.
	want := []time.Duration{
		30 * time.Second,  // after attempt 1
		60 * time.Second,  // after attempt 2
		120 * time.Second, // after attempt 3
		240 * time.Second, // after attempt 4
	}
	for i, w := range want {
		attempts := i + 1
		d, ok := p.Next(attempts, failure, nil)
		if !ok {
			t.Fatalf("attempt %d: expected a retry", attempts)
		}
		if d != w {
			t.Fatalf("attempt %d: delay = %v, want %v", attempts, d, w)
		}
	}

	// Fifth failure exhausts the budget.
	if _, ok := p.Next(5, failure, nil); ok {
		t.Fatal("attempt budget spent but Next allowed a retry")
	}
}

func TestNextCapsAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Minute, MaxDelay: 30 * time.Minute, MaxAttempts: 10}
	d, ok := p.Next(7, errors.New("down"), nil)
	if !ok || d != 30*time.Minute {
		t.Fatalf("delay = %v ok=%v, want cap 30m", d, ok)
	}
}

func TestNextJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, MaxAttempts: 5, Jitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d, ok := p.Next(1, errors.New("flaky"), rng)
		if !ok {
			t.Fatal("expected a retry")
		}
		if d < 24*time.Second || d > 36*time.Second {
			t.Fatalf("jittered delay %v outside ±20%% of 30s", d)
		}
	}
}

func TestNextHonorsRetryAfterHint(t *testing.T) {
	p := Policy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, MaxAttempts: 5}

	err := RetryAfter(errors.New("flood"), 90*time.Second)
	d, ok := p.Next(1, err, nil)
	if !ok || d != 90*time.Second {
		t.Fatalf("delay = %v ok=%v, want hint 90s", d, ok)
	}

	// Hints survive wrapping.
	wrapped := fmt.Errorf("send: %w", err)
	d, ok = p.Next(1, wrapped, nil)
	if !ok || d != 90*time.Second {
		t.Fatalf("wrapped hint delay = %v ok=%v", d, ok)
	}

	// Hints are still bounded by the cap.
	err = RetryAfter(errors.New("flood"), 2*time.Hour)
	d, ok = p.Next(1, err, nil)
	if !ok || d != 30*time.Minute {
		t.Fatalf("capped hint delay = %v ok=%v", d, ok)
	}
}

func TestNoRetryShortCircuits(t *testing.T) {
	p := Policy{}
	err := NoRetry(errors.New("chat not found"))
	if _, ok := p.Next(1, err, nil); ok {
		t.Fatal("permanent error must not be retried")
	}
	if !IsNoRetry(fmt.Errorf("publish: %w", err)) {
		t.Fatal("NoRetry marker must survive wrapping")
	}
	if IsNoRetry(errors.New("plain")) {
		t.Fatal("plain error misclassified as no-retry")
	}
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) must be nil")
	}
}

func TestDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	if p.BaseDelay != 30*time.Second || p.MaxDelay != 30*time.Minute || p.MaxAttempts != 5 || p.Jitter != 0.2 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}
