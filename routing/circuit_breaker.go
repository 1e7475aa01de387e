package routing

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of a model's circuit breaker.
type BreakerState int

const (
	// BreakerClosed - probes are allowed through
	BreakerClosed BreakerState = iota
	// BreakerOpen - probes are rejected immediately
	BreakerOpen
	// BreakerHalfOpen - a single probe is allowed to test recovery
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitOpen is returned when a probe is rejected because the
	// model's circuit breaker is open.
	ErrCircuitOpen = errors.New("model circuit breaker is open")
)

// circuitBreaker protects a single model from repeated probing while it is
// failing. It opens once consecutive failures reach the threshold, stays open
// for the cooldown window, then allows one probe through; a success closes
// it, a failure re-opens it.
type circuitBreaker struct {
	modelID          string
	failureThreshold int
	cooldown         time.Duration
	onStateChange    func(modelID string, from, to BreakerState)

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    bool
}

func newCircuitBreaker(modelID string, failureThreshold int, cooldown time.Duration, onStateChange func(string, BreakerState, BreakerState)) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &circuitBreaker{
		modelID:          modelID,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		onStateChange:    onStateChange,
	}
}

// Allow reports whether a probe may proceed right now. When the cooldown of
// an open circuit has elapsed, the breaker moves to half-open and admits
// exactly one probe until its outcome is recorded.
func (cb *circuitBreaker) Allow(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if now.Sub(cb.openedAt) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.setState(BreakerHalfOpen)
		cb.halfOpenInFlight = true
		return nil
	case BreakerHalfOpen:
		if cb.halfOpenInFlight {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenInFlight = false
	if cb.state != BreakerClosed {
		cb.setState(BreakerClosed)
	}
}

// RecordFailure increments the failure count and opens the circuit once the
// threshold is reached. A failed half-open probe re-opens immediately.
func (cb *circuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.halfOpenInFlight = false

	switch cb.state {
	case BreakerClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.openedAt = now
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.openedAt = now
		cb.setState(BreakerOpen)
	}
}

// CancelProbe hands back an admitted probe slot without recording an
// outcome, e.g. when the model turned out to be overloaded before probing.
func (cb *circuitBreaker) CancelProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInFlight = false
}

// State returns the current state, accounting for cooldown expiry.
func (cb *circuitBreaker) State(now time.Time) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && now.Sub(cb.openedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *circuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

func (cb *circuitBreaker) setState(state BreakerState) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state

	if cb.onStateChange != nil {
		cb.onStateChange(cb.modelID, prev, state)
	}

	log.Infof("Circuit breaker for model %s changed from %s to %s", cb.modelID, prev, state)
}
