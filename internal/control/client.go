package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetctl/internal/transport"
)

// Client issues operator requests against a host's control server.
type Client struct {
	transport transport.Transport
	timeout   time.Duration
}

// NewClient wraps a transport for control requests.
func NewClient(tr transport.Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{transport: tr, timeout: timeout}
}

// Status fetches the service table from the named host.
func (c *Client) Status(ctx context.Context, host string) (*StatusReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.transport.Request(ctx, transport.ControlSubject(host, OpStatus), nil)
	if err != nil {
		return nil, fmt.Errorf("status request to %s: %w", host, err)
	}

	var reply StatusReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("malformed status reply from %s: %w", host, err)
	}
	return &reply, nil
}

// Abort asks the named host to abort its startup sequence.
func (c *Client) Abort(ctx context.Context, host string) (*AbortReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.transport.Request(ctx, transport.ControlSubject(host, OpAbort), nil)
	if err != nil {
		return nil, fmt.Errorf("abort request to %s: %w", host, err)
	}

	var reply AbortReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("malformed abort reply from %s: %w", host, err)
	}
	return &reply, nil
}
