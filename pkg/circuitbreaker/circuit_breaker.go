package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/metrics"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a breaker.
type Config struct {
	// MaxFailures consecutive counted failures open the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// HalfOpenProbes successful probes close the circuit again.
	HalfOpenProbes uint32
	// Counts decides which errors count as failures. Nil counts every error.
	Counts func(error) bool
}

// CircuitBreaker stops calling the chat backend after repeated failures
// and lets a few probes through once the timeout has passed.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	probesInFlight  uint32
	probeSuccesses  uint32
	requests        uint64
	successes       uint64
}

// New creates a breaker. A nil logger falls back to a warn-level logger.
func New(name string, cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	metrics.SetBreakerState(name, int(StateClosed))
	return cb
}

// Execute runs fn unless the circuit is open. A rejected call returns a
// *CircuitBreakerError without running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()
	switch cb.state {
	case StateClosed:
		cb.requests++
		return false, nil
	case StateHalfOpen:
		if cb.probesInFlight+cb.probeSuccesses < cb.cfg.HalfOpenProbes {
			cb.probesInFlight++
			cb.requests++
			return true, nil
		}
	}
	return false, &CircuitBreakerError{Name: cb.name, State: cb.state}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probesInFlight--
	}

	// the caller gave up, which says nothing about the backend
	if stderrors.Is(err, context.Canceled) {
		return
	}
	// an uncounted error still proves the backend answered
	if err != nil && cb.cfg.Counts != nil && !cb.cfg.Counts(err) {
		err = nil
	}

	if err == nil {
		cb.successes++
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.cfg.HalfOpenProbes {
				cb.setStateLocked(StateClosed)
				cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after successful recovery")
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.tripLocked(err)
		}
	case StateHalfOpen:
		cb.tripLocked(err)
	}
}

// advanceLocked moves an open circuit to half-open once the timeout passed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.cfg.Timeout {
		cb.setStateLocked(StateHalfOpen)
		cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker transitioned to half-open")
	}
}

func (cb *CircuitBreaker) tripLocked(cause error) {
	cb.setStateLocked(StateOpen)
	cb.logger.WithError(cause).WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) setStateLocked(s State) {
	cb.state = s
	cb.probeSuccesses = 0
	if s == StateClosed {
		cb.failures = 0
	}
	metrics.SetBreakerState(cb.name, int(s))
}

// State returns the current state, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requests,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        uint32    `json:"failures"`
	Requests        uint64    `json:"requests"`
	Successes       uint64    `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreakerError is returned when the circuit rejects a call.
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return stderrors.As(err, &cbErr)
}
