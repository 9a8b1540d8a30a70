package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrConverterUnavailable = errors.New("converter unavailable")

// BreakerOpenError is returned while the breaker is refusing work.
type BreakerOpenError struct {
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	retry := e.RetryAfter
	if retry < 0 {
		retry = 0
	}
	return fmt.Sprintf("%v: retry in %s", ErrConverterUnavailable, retry.Round(time.Second))
}

func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrConverterUnavailable
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker stops calling a failing converter after Threshold consecutive
// failures. After Cooldown a single probe call is let through; its outcome
// decides whether the breaker closes again.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state     BreakerState
	failures  int
	openUntil time.Time
	probing   bool
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now, state: BreakerClosed}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	} else if b.state != BreakerClosed {
		// admitted before the breaker opened; only the probe decides now
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		// caller gave up, says nothing about the converter
	case err != nil:
		b.failures++
		if probe || b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openUntil = b.now().Add(b.cooldown)
			b.failures = 0
		}
	default:
		b.state = BreakerClosed
		b.failures = 0
	}
	return err
}

// admit reports whether the call may run and whether it is the half-open
// probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case BreakerOpen:
		return false, &BreakerOpenError{RetryAfter: b.openUntil.Sub(b.now())}
	case BreakerHalfOpen:
		if b.probing {
			return false, &BreakerOpenError{}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) refreshLocked() {
	if b.state == BreakerOpen && !b.now().Before(b.openUntil) {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}
