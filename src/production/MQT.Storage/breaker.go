package storage

import (
	"sync"
	"time"
)

// breakerState represents the state of the circuit breaker
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// circuitBreaker stops hammering a failing backend. After maxFailures
// consecutive failed attempts it opens; once resetTimeout has passed a
// single probe is let through (half-open) and its result closes or re-opens it.
type circuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mutex        sync.Mutex
	state        breakerState
	failureCount int
	lastFailTime time.Time
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        stateClosed,
	}
}

func (cb *circuitBreaker) canExecute() bool {
	if cb.maxFailures <= 0 {
		return true
	}
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	default:
		return false
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount = 0
	cb.state = stateClosed
}

func (cb *circuitBreaker) onFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	if cb.state == stateHalfOpen || (cb.maxFailures > 0 && cb.failureCount >= cb.maxFailures) {
		cb.state = stateOpen
	}
}

// onRejected ends a half-open probe that never reached the backend. The
// breaker stays open with its last failure time, so the next call probes again.
func (cb *circuitBreaker) onRejected() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
