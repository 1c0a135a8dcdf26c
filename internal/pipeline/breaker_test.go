package pipeline

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(clock *fakeClock) *Breaker {
	b := NewBreaker(BreakerSettings{
		Name:             "dep",
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		SuccessToClose:   2,
	})
	b.now = clock.Now
	return b
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		if err := b.Call(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after threshold failures: got %s, want %s", got, BreakerOpen)
	}

	called := false
	err := b.Call(func() error { called = true; return nil })
	if called {
		t.Fatal("open breaker invoked the wrapped call")
	}
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
	if coe.RetryAfter <= 0 || coe.RetryAfter > time.Minute {
		t.Fatalf("unexpected RetryAfter: %s", coe.RetryAfter)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	_ = b.Call(func() error { return errBoom })
	_ = b.Call(func() error { return errBoom })
	_ = b.Call(func() error { return nil })
	_ = b.Call(func() error { return errBoom })
	_ = b.Call(func() error { return errBoom })

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state: got %s, want %s", got, BreakerClosed)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return errBoom })
	}
	clock.Advance(time.Minute)

	if err := b.Call(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: got %v, want errBoom", err)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after failed trial: got %s, want %s", got, BreakerOpen)
	}

	// The cooldown restarted at the failed trial, so calls fail fast again.
	if err := b.Call(func() error { return nil }); !IsCircuitOpen(err) {
		t.Fatalf("got %v, want circuit open", err)
	}
}

func TestBreakerClosesAfterConsecutiveTrialSuccesses(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return errBoom })
	}
	clock.Advance(time.Minute)

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state after one trial success: got %s, want %s", got, BreakerHalfOpen)
	}
	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after two trial successes: got %s, want %s", got, BreakerClosed)
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return errBoom })
	}
	clock.Advance(time.Minute)

	release := make(chan struct{})
	probing := make(chan struct{})
	go func() {
		_ = b.Call(func() error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	// A second call while the probe is in flight is denied.
	if err := b.Call(func() error { return nil }); !IsCircuitOpen(err) {
		t.Fatalf("got %v, want circuit open while probe in flight", err)
	}
	close(release)
}
