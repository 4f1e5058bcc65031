// Package health implements the health gate every service must pass
// before it counts as Ready, plus the steady-state liveness probe that
// runs after.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleetctl/internal/services"
	"fleetctl/internal/transport"
	"fleetctl/pkg/logging"
)

// Status classifies the outcome of a single health check.
type Status string

const (
	StatusHealthy     Status = "Healthy"
	StatusUnhealthy   Status = "Unhealthy"
	StatusTimeout     Status = "Timeout"
	StatusUnreachable Status = "Unreachable"
)

// Result is the classified outcome of one check.
type Result struct {
	Status  Status
	Latency time.Duration
	Detail  string
}

// Passed reports whether the gate passed.
func (r Result) Passed() bool {
	return r.Status == StatusHealthy
}

// CheckFailure is the typed error for a failed health check, retried by
// the scheduler under breaker control.
type CheckFailure struct {
	Service string
	Status  Status
	Detail  string
}

func (e *CheckFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("health check for %s failed: %s", e.Service, e.Status)
	}
	return fmt.Sprintf("health check for %s failed: %s (%s)", e.Service, e.Status, e.Detail)
}

// Err converts a Result into an error, nil when the gate passed.
func (r Result) Err(service string) error {
	if r.Passed() {
		return nil
	}
	return &CheckFailure{Service: service, Status: r.Status, Detail: r.Detail}
}

// healthRequest is the wire request. The protocol is fixed by the agents:
// request {"action":"health_check"}, reply {"status":..., "service":...}.
type healthRequest struct {
	Action string `json:"action"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Reason  string `json:"reason,omitempty"`
}

// GateKeeper executes the health-check protocol against services over the
// fleet transport and classifies the result.
type GateKeeper struct {
	transport transport.Transport
}

// NewGateKeeper creates a gatekeeper bound to a transport.
func NewGateKeeper(t transport.Transport) *GateKeeper {
	return &GateKeeper{transport: t}
}

// Check sends one health request to the service's responder, bounded by
// the descriptor's health timeout. Classification:
//   - no reply within the timeout            -> Timeout
//   - nothing listening / transport refusal  -> Unreachable
//   - reply with status != "healthy"         -> Unhealthy (with reason)
//   - otherwise                              -> Healthy
func (g *GateKeeper) Check(ctx context.Context, desc services.ServiceDescriptor) Result {
	timeout := desc.HealthPolicy.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(healthRequest{Action: "health_check"})
	if err != nil {
		return Result{Status: StatusUnreachable, Detail: err.Error()}
	}

	start := time.Now()
	reply, err := g.transport.Request(ctx, transport.HealthSubject(desc.Name), payload)
	latency := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return Result{Status: StatusTimeout, Latency: latency, Detail: fmt.Sprintf("no response within %s", timeout)}
		case errors.Is(err, transport.ErrNoResponder):
			return Result{Status: StatusUnreachable, Latency: latency, Detail: err.Error()}
		default:
			return Result{Status: StatusUnreachable, Latency: latency, Detail: err.Error()}
		}
	}

	var resp healthResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return Result{Status: StatusUnhealthy, Latency: latency, Detail: fmt.Sprintf("malformed health response: %v", err)}
	}

	if resp.Status != "healthy" {
		detail := resp.Status
		if resp.Reason != "" {
			detail = fmt.Sprintf("%s: %s", resp.Status, resp.Reason)
		}
		return Result{Status: StatusUnhealthy, Latency: latency, Detail: detail}
	}

	logging.Debug("HealthGate", "Service %s healthy in %s", desc.Name, latency.Round(time.Millisecond))
	return Result{Status: StatusHealthy, Latency: latency}
}
