package core

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the current disposition of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed lets calls through normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls immediately.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a limited number of probe calls.
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned by Allow while the circuit is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ErrBreakerProbeLimit is returned when the half-open probe budget is
// exhausted.
var ErrBreakerProbeLimit = errors.New("circuit breaker probe limit reached")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32
	// CoolDown is how long the circuit stays open before probing.
	CoolDown time.Duration
	// MaxProbes is the number of concurrent calls admitted while half-open.
	MaxProbes uint32
}

// Validate checks the breaker configuration.
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.CoolDown <= 0 {
		return errors.New("CoolDown must be greater than 0")
	}
	if c.MaxProbes == 0 {
		return errors.New("MaxProbes must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig returns the defaults used by outbound clients.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		CoolDown:    60 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker guards an outbound dependency (payment API, webhook
// endpoint) so a dead upstream stops consuming retry budget.
type CircuitBreaker struct {
	config   BreakerConfig
	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probes   uint32
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config BreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{config: config, state: BreakerClosed}, nil
}

// Allow reports whether a call may proceed. Open circuits transition to
// half-open once the cool-down has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.openedAt) < cb.config.CoolDown {
			return ErrBreakerOpen
		}
		cb.state = BreakerHalfOpen
		cb.probes = 0
		fallthrough
	case BreakerHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrBreakerProbeLimit
		}
		cb.probes++
	}
	return nil
}

// RecordSuccess notes a completed call. A success while half-open
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.state = BreakerClosed
	cb.failures = 0
}

// RecordFailure notes a failed call. Enough consecutive failures, or
// any failure while half-open, opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = BreakerOpen
			cb.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
		cb.probes = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
