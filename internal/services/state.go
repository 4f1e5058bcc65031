package services

// ServiceState represents the current lifecycle state of a service
type ServiceState string

const (
	StatePending        ServiceState = "Pending"
	StateStarting       ServiceState = "Starting"
	StateHealthChecking ServiceState = "HealthChecking"
	StateReady          ServiceState = "Ready"
	StateDegraded       ServiceState = "Degraded"
	StateFailed         ServiceState = "Failed"
	StateRetrying       ServiceState = "Retrying"
	StateStopped        ServiceState = "Stopped"
)

// IsTerminal reports whether a state is a resting state for the startup
// sequence: the scheduler will not schedule further work for the service.
func (s ServiceState) IsTerminal() bool {
	switch s {
	case StateReady, StateDegraded, StateFailed, StateStopped:
		return true
	}
	return false
}

// Satisfies reports whether the state satisfies a dependency edge for
// downstream services. Degraded satisfies non-blocking edges: dependents
// start but inherit the Degraded label informationally.
func (s ServiceState) Satisfies() bool {
	return s == StateReady || s == StateDegraded
}

// StateChangeCallback is invoked after every committed state transition.
// Callbacks must not call back into the Registry for the same service.
type StateChangeCallback func(name string, oldState, newState ServiceState, err error)
