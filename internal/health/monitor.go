package health

import (
	"context"
	"time"

	"fleetctl/internal/breaker"
	"fleetctl/internal/reporting"
	"fleetctl/internal/services"
	"fleetctl/pkg/logging"
)

// Monitor runs the steady-state liveness probe for services that already
// passed their readiness gate. Each watched service gets its own goroutine
// ticking at the interval from its health policy.
type Monitor struct {
	gate     *GateKeeper
	registry *services.Registry
	breakers *breaker.Registry
	publish  func(reporting.ErrorEvent)
}

// NewMonitor wires the liveness monitor.
func NewMonitor(gate *GateKeeper, registry *services.Registry, breakers *breaker.Registry, publish func(reporting.ErrorEvent)) *Monitor {
	if publish == nil {
		publish = func(reporting.ErrorEvent) {}
	}
	return &Monitor{
		gate:     gate,
		registry: registry,
		breakers: breakers,
		publish:  publish,
	}
}

// Watch probes one service until the context is canceled or the service
// leaves the Ready/Degraded pair for good (stopped or failed).
func (m *Monitor) Watch(ctx context.Context, desc services.ServiceDescriptor) {
	interval := desc.HealthPolicy.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	logging.Debug("HealthMonitor", "Liveness probe started for %s (interval %s)", desc.Name, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Debug("HealthMonitor", "Liveness probe stopped for %s", desc.Name)
			return
		case <-ticker.C:
			if !m.probe(ctx, desc) {
				return
			}
		}
	}
}

// probe runs one liveness pass. Returns false when watching should end.
func (m *Monitor) probe(ctx context.Context, desc services.ServiceDescriptor) bool {
	state, ok := m.registry.State(desc.Name)
	if !ok {
		return false
	}
	switch state {
	case services.StateReady, services.StateDegraded:
	case services.StateStopped, services.StateFailed:
		return false
	default:
		// Scheduler is mid-transition; leave it alone this tick.
		return true
	}

	if err := m.breakers.Allow(desc.Name); err != nil {
		_ = m.registry.SetState(desc.Name, services.StateDegraded, err)
		return true
	}

	result := m.gate.Check(ctx, desc)
	if result.Passed() {
		m.breakers.RecordSuccess(desc.Name)
		if state == services.StateDegraded {
			logging.Info("HealthMonitor", "Service %s recovered, back to Ready", desc.Name)
			_ = m.registry.SetState(desc.Name, services.StateReady, nil)
		}
		return true
	}

	checkErr := result.Err(desc.Name)
	m.breakers.RecordFailure(desc.Name)

	if m.breakers.State(desc.Name) == breaker.StateOpen {
		ev := reporting.NewEvent(desc.Name, reporting.SeverityError, reporting.KindCircuitOpen,
			"liveness failures opened the circuit")
		m.publish(ev.WithContext("status", string(result.Status)))
	} else {
		ev := reporting.NewEvent(desc.Name, reporting.SeverityWarning, reporting.KindHealthCheck,
			checkErr.Error())
		m.publish(ev.WithContext("status", string(result.Status)))
	}

	_ = m.registry.SetState(desc.Name, services.StateDegraded, checkErr)
	return true
}
