// Package breaker implements the per-service failure-isolation state
// machine consulted before every (re)start and health check. It keeps a
// flapping dependency from causing retry storms across the fleet.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"fleetctl/pkg/logging"
)

// State is the circuit state for one service.
type State string

const (
	StateClosed   State = "Closed"
	StateOpen     State = "Open"
	StateHalfOpen State = "HalfOpen"
)

// CircuitOpenError is returned by Allow while the circuit rejects calls.
// It is not retried by callers; the service surfaces as Degraded instead.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for service %s (retry in %s)", e.Service, e.RetryAfter.Round(time.Millisecond))
}

// Config holds fleet-wide breaker tuning.
type Config struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	MaxRecoveryTimeout time.Duration
}

// DefaultConfig matches the fleet defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		MaxRecoveryTimeout: 10 * time.Minute,
	}
}

type circuit struct {
	state           State
	failureCount    int
	openedAt        time.Time
	recoveryTimeout time.Duration
	probeInFlight   bool
}

// Registry tracks one circuit per service. Circuits are created at
// registry load time and live for the whole process; Reset is the only
// operator-facing way to clear one.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	now      func() time.Time
}

// NewRegistry creates a breaker registry with the given tuning.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.MaxRecoveryTimeout <= 0 {
		cfg.MaxRecoveryTimeout = DefaultConfig().MaxRecoveryTimeout
	}
	return &Registry{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Ensure creates the circuit for a service if it does not exist yet.
func (r *Registry) Ensure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(name)
}

func (r *Registry) ensureLocked(name string) *circuit {
	c, ok := r.circuits[name]
	if !ok {
		c = &circuit{
			state:           StateClosed,
			recoveryTimeout: r.cfg.RecoveryTimeout,
		}
		r.circuits[name] = c
	}
	return c
}

// Allow reports whether a start or health check may proceed. While Open it
// returns a CircuitOpenError until the recovery timeout elapses, at which
// point the circuit moves to HalfOpen and exactly one trial call is let
// through; concurrent callers during the trial are rejected.
func (r *Registry) Allow(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensureLocked(name)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := r.now().Sub(c.openedAt)
		if elapsed < c.recoveryTimeout {
			return &CircuitOpenError{Service: name, RetryAfter: c.recoveryTimeout - elapsed}
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		logging.Info("Breaker", "Circuit for %s half-open, permitting one trial", name)
		return nil
	case StateHalfOpen:
		if c.probeInFlight {
			return &CircuitOpenError{Service: name, RetryAfter: 0}
		}
		c.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful call. In HalfOpen this closes the
// circuit and resets the failure count and the recovery timeout.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensureLocked(name)
	if c.state != StateClosed {
		logging.Info("Breaker", "Circuit for %s closed after successful trial", name)
	}
	c.state = StateClosed
	c.failureCount = 0
	c.recoveryTimeout = r.cfg.RecoveryTimeout
	c.probeInFlight = false
}

// RecordFailure reports a failed call. Reaching the failure threshold
// opens the circuit; a failed HalfOpen trial re-opens it with a doubled
// recovery timeout, capped at MaxRecoveryTimeout.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensureLocked(name)
	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = r.now()
		c.probeInFlight = false
		c.recoveryTimeout *= 2
		if c.recoveryTimeout > r.cfg.MaxRecoveryTimeout {
			c.recoveryTimeout = r.cfg.MaxRecoveryTimeout
		}
		logging.Warn("Breaker", "Trial for %s failed, circuit re-opened (next trial in %s)", name, c.recoveryTimeout)
	case StateClosed:
		c.failureCount++
		if c.failureCount >= r.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = r.now()
			logging.Warn("Breaker", "Circuit for %s opened after %d consecutive failures", name, c.failureCount)
		}
	case StateOpen:
		// Already open; nothing to count.
	}
}

// State returns the current circuit state for a service.
func (r *Registry) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(name).state
}

// FailureCount returns the consecutive failure count for a service.
func (r *Registry) FailureCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(name).failureCount
}

// Reset clears a circuit back to Closed. Operator command only.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensureLocked(name)
	c.state = StateClosed
	c.failureCount = 0
	c.recoveryTimeout = r.cfg.RecoveryTimeout
	c.probeInFlight = false
	logging.Info("Breaker", "Circuit for %s reset by operator", name)
}

// SnapshotAll returns the current state of every circuit.
func (r *Registry) SnapshotAll() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.circuits))
	for name, c := range r.circuits {
		out[name] = c.state
	}
	return out
}

// SetClock overrides the clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
