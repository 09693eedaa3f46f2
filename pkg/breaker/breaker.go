// Package breaker implements a three-state circuit breaker
// (CLOSED -> OPEN -> HALF_OPEN -> CLOSED) guarding a single kind of call:
// trip to OPEN after enough consecutive failures, fail fast with a fallback
// while OPEN, and probe for recovery in HALF_OPEN before closing again.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned (and triggers the fallback) when a call is rejected
// because the breaker is OPEN.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker is a single CLOSED/OPEN/HALF_OPEN gate around one kind of call.
type Breaker struct {
	mu sync.Mutex

	state    State
	failures int
	successes int

	failureThreshold  int
	successThreshold  int
	resetTimeout      time.Duration
	callDeadline      time.Duration
	nextAttempt       time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithFailureThreshold(n int) Option { return func(b *Breaker) { b.failureThreshold = n } }
func WithSuccessThreshold(n int) Option { return func(b *Breaker) { b.successThreshold = n } }
func WithResetTimeout(d time.Duration) Option { return func(b *Breaker) { b.resetTimeout = d } }
func WithCallDeadline(d time.Duration) Option { return func(b *Breaker) { b.callDeadline = d } }

// New constructs a Breaker with defaults of failureThreshold=3,
// successThreshold=1, resetTimeout=10s, callDeadline=60s.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: 3,
		successThreshold: 1,
		resetTimeout:     10 * time.Second,
		callDeadline:     60 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow decides whether a call may proceed right now, transitioning
// OPEN -> HALF_OPEN when nextAttempt has passed.
func (b *Breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Before(b.nextAttempt) {
			return false
		}
		b.state = HalfOpen
		b.successes = 0
		return true
	case HalfOpen:
		return true
	}
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.nextAttempt = now.Add(b.resetTimeout)
		b.successes = 0
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
			b.nextAttempt = now.Add(b.resetTimeout)
		}
	}
}

// Call runs fn under the breaker's per-call deadline. If the breaker is
// OPEN, fn never runs and fallback(ErrOpen) is invoked instead. Any other
// failure also invokes fallback.
func (b *Breaker) Call(
	ctx context.Context, fn func(ctx context.Context) (string, error),
	fallback func(error) string,
) string {
	now := time.Now()
	if !b.allow(now) {
		return fallback(ErrOpen)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.callDeadline)
	defer cancel()
	result, err := fn(callCtx)
	if err != nil {
		b.onFailure(time.Now())
		return fallback(err)
	}
	b.onSuccess()
	return result
}
