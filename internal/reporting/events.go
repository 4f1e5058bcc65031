package reporting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity indicates the importance of an error event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Kind classifies error events for routing and flood suppression.
type Kind string

const (
	KindHealthCheck   Kind = "health.check"
	KindStartupFailed Kind = "startup.failed"
	KindRetry         Kind = "startup.retry"
	KindCircuitOpen   Kind = "circuit.open"
	KindDependency    Kind = "dependency.failed"
	KindSync          Kind = "sync.error"
	KindAbort         Kind = "fleet.abort"
	KindDropped       Kind = "bus.dropped" // meta-event carrying the dropped counter
	KindRepeated      Kind = "bus.repeated"
)

// ErrorEvent is the immutable record published on the bus. Context carries
// structured detail (attempt counts, latencies, peer host) without forcing
// a schema on every producer.
type ErrorEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	SourceService string            `json:"source_service"`
	Severity      Severity          `json:"severity"`
	Kind          Kind              `json:"kind"`
	Message       string            `json:"message"`
	Context       map[string]string `json:"context,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

// NewEvent builds an event stamped with the current time and a fresh
// correlation ID.
func NewEvent(source string, severity Severity, kind Kind, message string) ErrorEvent {
	return ErrorEvent{
		Timestamp:     time.Now(),
		SourceService: source,
		Severity:      severity,
		Kind:          kind,
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// WithContext returns a copy of the event with one context entry added.
func (e ErrorEvent) WithContext(key, value string) ErrorEvent {
	ctx := make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	e.Context = ctx
	return e
}

// String returns a human-readable one-liner for log sinks.
func (e ErrorEvent) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", e.Severity, e.SourceService, e.Kind, e.Message)
}
