// Package resilience provides the patterns the transport core is built
// from: circuit breaker, retry with backoff, weighted rate limiting,
// and bulkhead concurrency isolation.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a single trial request to test recovery.
	StateHalfOpen
)

// String returns the state name.
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

// Common errors.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker for logging.
	Name string
	// Disabled bypasses all state tracking and always permits calls.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of consecutive half-open trial
	// successes required to close the circuit again.
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
	// ResetTimeout is how long the circuit stays open before the next
	// call is allowed through as a half-open trial.
	ResetTimeout time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	// OnStateChange is called when state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
// It prevents hammering a failing exchange by failing fast once
// consecutive failures cross a threshold.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: exchange is unhealthy, requests fail immediately
//   - Half-Open: one trial request at a time probes for recovery
//
// The Open -> HalfOpen transition is lazy: it happens on the next
// permission check after ResetTimeout elapses, not on a timer.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	trialInFlight        bool
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Allow asks the breaker for permission to make a call.
// Returns ErrCircuitOpen when the call must not be attempted. In
// half-open state only one trial call is outstanding at a time;
// concurrent callers are refused as if the circuit were open.
func (cb *CircuitBreaker) Allow() error {
	if cb.config.Disabled {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess reports a successful call to the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb.config.Disabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.toState(StateClosed)
		}
	}
	// A success reported while open belongs to a call that was admitted
	// before the trip; it carries no signal about recovery.
}

// RecordFailure reports a failed call to the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.config.Disabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.toState(StateOpen)
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.toState(StateOpen)
	}
}

// ReleaseTrial returns a half-open trial slot without recording an
// outcome. Used when an admitted call ends for a reason that says
// nothing about exchange health, such as the caller cancelling;
// without the release the trial slot would stay claimed and no probe
// could ever run.
func (cb *CircuitBreaker) ReleaseTrial() {
	if cb.config.Disabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState() == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// Execute runs the given function through the circuit breaker.
// Returns ErrCircuitOpen without calling fn if the circuit refuses.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toState(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.trialInFlight = false
}

// currentState returns the current state, applying the lazy
// open -> half-open transition. Caller must hold cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.ResetTimeout {
		cb.toState(StateHalfOpen)
	}
	return cb.state
}

// toState transitions to a new state. Caller must hold cb.mu.
func (cb *CircuitBreaker) toState(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to

	switch to {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
		cb.trialInFlight = false
	case StateHalfOpen:
		cb.trialInFlight = false
	case StateOpen:
		cb.openedAt = time.Now()
		cb.consecutiveSuccesses = 0
		cb.trialInFlight = false
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
