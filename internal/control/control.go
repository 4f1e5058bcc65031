// Package control is the operator surface: a small request/reply protocol
// over the fleet transport that the status and abort CLI commands speak.
package control

import (
	"time"
)

// Operation names carried in the control subject.
const (
	OpStatus = "status"
	OpAbort  = "abort"
)

// StatusEntry is one service's row in a status reply.
type StatusEntry struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	State     string    `json:"state"`
	Breaker   string    `json:"breaker"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusReply is the answer to an OpStatus request.
type StatusReply struct {
	HostName string        `json:"hostName"`
	Services []StatusEntry `json:"services"`
}

// AbortReply acknowledges an OpAbort request.
type AbortReply struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}
