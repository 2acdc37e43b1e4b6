// Package resilience provides the concurrency-safety primitives that guard
// calls to external dependencies (speech providers, language-model
// providers, the persistent store, the counter store, webhook targets): a
// circuit breaker, generic exponential-backoff retry, token-bucket provider
// rate limiting, and hedged requests.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a CircuitBreaker.
type State string

const (
	// StateClosed is the normal operating state; calls pass through.
	StateClosed State = "closed"
	// StateOpen rejects all calls immediately until resetTimeout elapses.
	StateOpen State = "open"
	// StateHalfOpen allows a single probe call to test recovery.
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by Execute when the breaker is open and the
// reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitBreaker short-circuits calls to a failing dependency after a
// consecutive-failure threshold, then probes recovery after a cool-down.
// This implements the error-handling design's infrastructure-error gate:
// expected domain errors never reach it, only provider-unavailable /
// store-unavailable style failures should be reported through Execute.
//
// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state       State
	failures    int
	openedAt    time.Time
	halfOpenTry bool
}

// NewCircuitBreaker creates a CircuitBreaker that opens after
// failureThreshold consecutive failures and attempts a half-open probe
// resetTimeout after opening. A zero failureThreshold defaults to 5; a zero
// resetTimeout defaults to 30s.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// State returns the breaker's current state, lazily transitioning Open to
// HalfOpen once resetTimeout has elapsed since the trip.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenTry = false
	}
	return cb.state
}

// Execute runs fn if the breaker permits it. In HalfOpen, only one caller at
// a time is admitted as the probe; concurrent callers are rejected with
// ErrCircuitOpen until the probe resolves. fn's error is returned unwrapped.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	cb.mu.Lock()
	switch cb.stateLocked() {
	case StateOpen:
		cb.mu.Unlock()
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenTry {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.halfOpenTry = true
	}
	cb.mu.Unlock()

	result, err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailureLocked()
	} else {
		cb.recordSuccessLocked()
	}
	return result, err
}

func (cb *CircuitBreaker) recordFailureLocked() {
	if cb.state == StateHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	cb.failures = 0
	cb.state = StateClosed
	cb.halfOpenTry = false
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.halfOpenTry = false
}

// Reset forces the breaker back to Closed with a zeroed failure count. Used
// by operators reactivating a dependency out of band.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenTry = false
}
