package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned without invoking the wrapped operation while
// the breaker is open. RetryAfter hints how long until a trial call may be
// permitted.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

type BreakerSettings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessToClose   int
}

// Breaker is a per-dependency failure tracker: closed passes calls through,
// open fails fast, half-open admits one trial call at a time. Breakers never
// share state across dependencies.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	successToClose   int

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenInFlight bool

	now func() time.Time
}

func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 60 * time.Second
	}
	if settings.SuccessToClose <= 0 {
		settings.SuccessToClose = 2
	}
	return &Breaker{
		name:             settings.Name,
		failureThreshold: settings.FailureThreshold,
		resetTimeout:     settings.ResetTimeout,
		successToClose:   settings.SuccessToClose,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call invokes fn unless the breaker denies it. The mutex is never held
// across fn, so slow calls on one dependency do not serialize others.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.resetTimeout {
			return &CircuitOpenError{Name: b.name, RetryAfter: b.resetTimeout - elapsed}
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.halfOpenInFlight = true
		return nil
	default: // half-open: one trial call at a time
		if b.halfOpenInFlight {
			return &CircuitOpenError{Name: b.name, RetryAfter: b.resetTimeout}
		}
		b.halfOpenInFlight = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.halfOpenInFlight = false
		if err != nil {
			// Trial failed: reopen and restart the cooldown.
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.failures = 0
			b.successes = 0
			return
		}
		b.successes++
		if b.successes >= b.successToClose {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
		return
	}

	if b.state != BreakerClosed {
		return
	}
	if err != nil {
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
		return
	}
	b.failures = 0
}
