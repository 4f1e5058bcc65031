package control

import (
	"encoding/json"

	"fleetctl/internal/breaker"
	"fleetctl/internal/services"
	"fleetctl/internal/transport"
	"fleetctl/pkg/logging"
)

// Aborter is the slice of the scheduler the control server needs.
type Aborter interface {
	Abort()
}

// Server answers operator requests addressed to this host.
type Server struct {
	transport transport.Transport
	registry  *services.Registry
	breakers  *breaker.Registry
	aborter   Aborter
	hostName  string

	subs []transport.Subscription
}

// NewServer wires a control server. Start must be called before it
// answers anything.
func NewServer(tr transport.Transport, registry *services.Registry, breakers *breaker.Registry, aborter Aborter, hostName string) *Server {
	return &Server{
		transport: tr,
		registry:  registry,
		breakers:  breakers,
		aborter:   aborter,
		hostName:  hostName,
	}
}

// Start subscribes the status and abort handlers.
func (s *Server) Start() error {
	statusSub, err := s.transport.Subscribe(transport.ControlSubject(s.hostName, OpStatus), s.handleStatus)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, statusSub)

	abortSub, err := s.transport.Subscribe(transport.ControlSubject(s.hostName, OpAbort), s.handleAbort)
	if err != nil {
		s.Stop()
		return err
	}
	s.subs = append(s.subs, abortSub)

	logging.Debug("Control", "Control server listening for host %s", s.hostName)
	return nil
}

// Stop tears down the subscriptions.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) handleStatus(_ string, _ []byte) []byte {
	breakers := s.breakers.SnapshotAll()
	snapshots := s.registry.SnapshotAll()

	reply := StatusReply{HostName: s.hostName}
	for _, desc := range s.registry.All() {
		snap, ok := snapshots[desc.Name]
		if !ok {
			continue
		}
		entry := StatusEntry{
			Name:      desc.Name,
			Host:      string(desc.Host),
			State:     string(snap.State),
			Breaker:   string(breakers[desc.Name]),
			UpdatedAt: snap.UpdatedAt,
		}
		if entry.Breaker == "" {
			entry.Breaker = string(breaker.StateClosed)
		}
		if snap.LastError != nil {
			entry.Error = snap.LastError.Error()
		}
		reply.Services = append(reply.Services, entry)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		logging.Error("Control", err, "Failed to encode status reply")
		return nil
	}
	return body
}

func (s *Server) handleAbort(_ string, _ []byte) []byte {
	logging.Warn("Control", "Abort requested by operator")
	s.aborter.Abort()

	body, _ := json.Marshal(AbortReply{Accepted: true, Message: "fleet startup aborting"})
	return body
}
