// Package transport abstracts the request/reply and publish/subscribe
// channel shared by health checks, cross-host sync, error forwarding and
// the operator control surface. The orchestrator core never opens sockets
// itself; it speaks through this interface.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoResponder indicates nothing is listening on the target subject.
// Health checks classify this as Unreachable rather than Timeout.
var ErrNoResponder = errors.New("no responder on subject")

// Handler processes an inbound message. A non-nil return value is sent
// back as the reply when the sender asked for one.
type Handler func(subject string, data []byte) []byte

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the combined request/reply + publish/subscribe channel.
type Transport interface {
	// Request sends a message and waits for a single reply until the
	// context deadline expires.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Publish sends a fire-and-forget message.
	Publish(subject string, data []byte) error

	// Subscribe registers a handler for a subject.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close tears the transport down.
	Close()
}

// HealthSubject is the request/reply subject a service's health responder
// listens on.
func HealthSubject(service string) string {
	return fmt.Sprintf("fleet.health.%s", service)
}

// SyncSubject is the subject a host publishes its state snapshots on.
func SyncSubject(host string) string {
	return fmt.Sprintf("fleet.sync.%s", host)
}

// ErrorSubject is the subject a host forwards error events to its peer on.
func ErrorSubject(host string) string {
	return fmt.Sprintf("fleet.errors.%s", host)
}

// ControlSubject is the request/reply subject for one operator command
// against a host orchestrator.
func ControlSubject(host, op string) string {
	return fmt.Sprintf("fleet.control.%s.%s", host, op)
}
