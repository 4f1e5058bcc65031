package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrRemoteUnknown marks a remote required dependency whose mirrored state
// went stale: neither Ready nor Failed can be assumed, so the dependent
// blocked and was escalated to the operator after the fleet timeout.
var ErrRemoteUnknown = errors.New("remote dependency state unknown (peer unreachable)")

// StartupTimeoutError reports a service that exhausted its health-check
// retries during startup.
type StartupTimeoutError struct {
	Service  string
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("service %s failed to become ready after %d attempts over %s: %v",
		e.Service, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastErr)
}

func (e *StartupTimeoutError) Unwrap() error {
	return e.LastErr
}

// DependencyError marks a service skipped or degraded because of the
// state of something it depends on.
type DependencyError struct {
	Service    string
	Dependency string
	Reason     string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("service %s: dependency %s %s", e.Service, e.Dependency, e.Reason)
}
