package scheduler

import (
	"sort"

	"fleetctl/internal/services"
)

// Outcome is the fleet-level verdict of one startup run.
type Outcome string

const (
	// OutcomeSuccess: every service reached Ready.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomePartialSuccess: fleet is up, but one or more non-required
	// services ended Degraded.
	OutcomePartialSuccess Outcome = "PARTIAL_SUCCESS"
	// OutcomeFailure: a required service exhausted its retries; the
	// startup sequence aborted.
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeAborted: an operator aborted the run.
	OutcomeAborted Outcome = "ABORTED"
)

// FleetResult is the summary returned by Run.
type FleetResult struct {
	Outcome Outcome

	// FailedService names the first required service that failed, the
	// explicit culprit surfaced to the operator. Empty unless FAILURE.
	FailedService string

	// States holds the final state of every service in the fleet.
	States map[string]services.ServiceState
}

// ExitCode maps the result onto the operator CLI contract: 0 for a fully
// Ready fleet, 2 for a degraded-but-operational one, 3 for an operator
// abort, and 10+n for a failure where n is the culprit's position in the
// name-sorted service list so the code identifies the service.
func (r *FleetResult) ExitCode() int {
	switch r.Outcome {
	case OutcomeSuccess:
		return 0
	case OutcomePartialSuccess:
		return 2
	case OutcomeAborted:
		return 3
	default:
	}

	names := make([]string, 0, len(r.States))
	for name := range r.States {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if name == r.FailedService {
			return 10 + i
		}
	}
	return 1
}

// Degraded returns the names of services that ended Degraded, sorted.
func (r *FleetResult) Degraded() []string {
	var out []string
	for name, st := range r.States {
		if st == services.StateDegraded {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
