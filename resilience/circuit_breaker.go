// Package resilience adapts the circuit-breaker pattern the platform wraps
// remote calls in: the SVM orchestrator's remote slice dispatch runs through
// one breaker per node so a node that is failing stops being hammered with
// new requests. The dispatcher itself does not use a breaker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the circuit is open and rejecting
// calls outright.
var ErrOpen = errors.New("resilience: circuit breaker open")

// ErrorClassifier decides whether an error counts toward the failure
// threshold. Cancellation and deadline errors should not, since those are
// caller-side, not node-side, failures.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts every non-nil error except cancellation
// and deadline-exceeded.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Config tunes a CircuitBreaker's thresholds.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive classified failures (closed) before opening
	RecoveryTimeout  time.Duration // how long to stay open before probing half-open
	HalfOpenMaxCalls int           // concurrent probes allowed while half-open
	Classifier       ErrorClassifier
	OnStateChange    func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.Classifier == nil {
		c.Classifier = DefaultErrorClassifier
	}
	return c
}

// CircuitBreaker guards a remote call: once FailureThreshold consecutive
// classified failures accumulate, it opens and rejects calls until
// RecoveryTimeout elapses, then allows a bounded number of half-open
// probes before deciding whether to close or re-open.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg Config

	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int
}

// NewCircuitBreaker constructs a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Execute runs fn if the circuit allows it, updating state from the
// outcome. Returns ErrOpen without calling fn if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}
	err := fn()
	cb.complete(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.cfg.HalfOpenMaxCalls {
			cb.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) complete(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.cfg.Classifier(err)

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if failed {
			cb.transitionLocked(StateOpen)
			cb.openedAt = time.Now()
		} else {
			cb.transitionLocked(StateClosed)
			cb.consecutiveFails = 0
		}
	case StateClosed:
		if failed {
			cb.consecutiveFails++
			if cb.consecutiveFails >= cb.cfg.FailureThreshold {
				cb.transitionLocked(StateOpen)
				cb.openedAt = time.Now()
			}
		} else {
			cb.consecutiveFails = 0
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State reports the circuit's current mode.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
