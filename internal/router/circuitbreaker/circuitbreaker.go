package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a provider's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = 30 * time.Second
)

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	ResetTimeout     time.Duration // time spent Open before a trial request is allowed
}

type providerState struct {
	state               State
	consecutiveFailures int
	openUntil           time.Time
	// trialInFlight is set while the single HalfOpen trial is running.
	trialInFlight bool
}

// CircuitBreaker tracks backend health per provider and rejects calls to a
// backend that keeps failing at the transport level.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       Config
	now       func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		providers: make(map[string]*providerState),
		cfg:       cfg,
		now:       time.Now,
	}
}

// getProviderState must be called with mu held.
func (cb *CircuitBreaker) getProviderState(name string) *providerState {
	ps, ok := cb.providers[name]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[name] = ps
	}
	return ps
}

// AllowRequest reports whether a call to the provider may proceed. An Open
// circuit whose timeout elapsed moves to HalfOpen and lets one trial through;
// further calls are rejected until the trial is recorded or released.
func (cb *CircuitBreaker) AllowRequest(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(name)
	switch ps.state {
	case StateOpen:
		if !cb.now().After(ps.openUntil) {
			return false
		}
		ps.state = StateHalfOpen
		ps.consecutiveFailures = 0
		ps.trialInFlight = true
		return true
	case StateHalfOpen:
		if ps.trialInFlight {
			return false
		}
		ps.trialInFlight = true
		return true
	default:
		return true
	}
}

// Release ends an allowed call that produced no verdict on the backend, such
// as one canceled by its caller. A HalfOpen circuit admits a new trial.
func (cb *CircuitBreaker) Release(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ps, ok := cb.providers[name]; ok {
		ps.trialInFlight = false
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(name)
	ps.trialInFlight = false
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			ps.state = StateOpen
			ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		ps.state = StateOpen
		ps.consecutiveFailures = cb.cfg.FailureThreshold
		ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
	case StateOpen:
		// already open; keep the original deadline
	}
}

// RecordSuccess records a successful call. A success while HalfOpen closes
// the circuit.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps, ok := cb.providers[name]
	if !ok {
		return
	}
	ps.trialInFlight = false
	switch ps.state {
	case StateClosed, StateHalfOpen:
		ps.state = StateClosed
		ps.consecutiveFailures = 0
	case StateOpen:
	}
}

// GetProviderStatus returns the current state and consecutive failure count
// without triggering the Open to HalfOpen transition.
func (cb *CircuitBreaker) GetProviderStatus(name string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps, ok := cb.providers[name]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}
