package transport

import (
	"context"
	"fmt"
	"sync"
)

// Inproc is an in-process Transport. Two Inproc instances created from the
// same Hub behave like two hosts on one broker, which is how the sync
// bridge and scheduler tests exercise cross-machine behavior without a
// NATS server.
type Inproc struct {
	hub *Hub
}

// Hub is the shared routing table behind one or more Inproc transports.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*inprocSubscription
	nextID int
}

// NewHub creates an empty in-process broker.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*inprocSubscription)}
}

// Transport returns a Transport attached to the hub.
func (h *Hub) Transport() *Inproc {
	return &Inproc{hub: h}
}

// NewInproc creates a standalone single-host transport.
func NewInproc() *Inproc {
	return NewHub().Transport()
}

// Request implements Transport. The first matching handler produces the
// reply; no handler means ErrNoResponder. The handler runs in its own
// goroutine so a slow responder hits the caller's deadline, not a hang.
func (t *Inproc) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	t.hub.mu.RLock()
	subs := t.hub.subs[subject]
	var target *inprocSubscription
	if len(subs) > 0 {
		target = subs[0]
	}
	t.hub.mu.RUnlock()

	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject)
	}

	replyCh := make(chan []byte, 1)
	go func() {
		replyCh <- target.handler(subject, data)
	}()

	select {
	case reply := <-replyCh:
		if reply == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish implements Transport. Delivery is synchronous per subscriber.
func (t *Inproc) Publish(subject string, data []byte) error {
	t.hub.mu.RLock()
	subs := append([]*inprocSubscription(nil), t.hub.subs[subject]...)
	t.hub.mu.RUnlock()

	for _, s := range subs {
		s.handler(subject, data)
	}
	return nil
}

// Subscribe implements Transport.
func (t *Inproc) Subscribe(subject string, handler Handler) (Subscription, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	t.hub.nextID++
	sub := &inprocSubscription{
		hub:     t.hub,
		subject: subject,
		id:      t.hub.nextID,
		handler: handler,
	}
	t.hub.subs[subject] = append(t.hub.subs[subject], sub)
	return sub, nil
}

// Close implements Transport.
func (t *Inproc) Close() {}

type inprocSubscription struct {
	hub     *Hub
	subject string
	id      int
	handler Handler
}

func (s *inprocSubscription) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	subs := s.hub.subs[s.subject]
	for i, cand := range subs {
		if cand.id == s.id {
			s.hub.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
