package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport implements Transport over a NATS connection. NATS covers
// both halves of the contract natively: request/reply for health checks
// and control, pub/sub for sync snapshots and error forwarding.
type NATSTransport struct {
	conn     *nats.Conn
	ownsConn bool
}

// NATSConfig holds connection settings for the fleet transport.
type NATSConfig struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// NewNATS connects to the NATS server and wraps the connection.
func NewNATS(cfg NATSConfig) (*NATSTransport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSTransport{conn: conn, ownsConn: true}, nil
}

// NewNATSFromConn wraps an existing connection. Useful with an embedded
// NATS server in integration tests.
func NewNATSFromConn(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Request implements Transport.
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject)
		}
		return nil, err
	}
	return msg.Data, nil
}

// Publish implements Transport.
func (t *NATSTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := handler(msg.Subject, msg.Data)
		if reply != nil && msg.Reply != "" {
			_ = msg.Respond(reply)
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

// Close implements Transport.
func (t *NATSTransport) Close() {
	if t.ownsConn {
		t.conn.Close()
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
