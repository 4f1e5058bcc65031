// Package syncbridge reconciles registry state between the two host
// orchestrators. Each side periodically publishes a full snapshot of its
// local services; the peer mirrors it so dependents on one host can react
// to dependency state on the other.
package syncbridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fleetctl/internal/breaker"
	"fleetctl/internal/reporting"
	"fleetctl/internal/services"
	"fleetctl/internal/transport"
	"fleetctl/pkg/logging"
)

// MirrorEntry is the mirrored state of one remote service.
type MirrorEntry struct {
	Name      string
	State     services.ServiceState
	Breaker   breaker.State
	UpdatedAt time.Time
	Stale     bool
}

// snapshot is the wire format of one sync exchange. Snapshots are always
// full, never diffs, so a reconnect after a partition is inherently a
// resync with no divergence to repair.
type snapshot struct {
	Host     string                  `json:"host"`
	SentAt   time.Time               `json:"sent_at"`
	Services map[string]snapshotItem `json:"services"`
}

type snapshotItem struct {
	State     string    `json:"state"`
	Breaker   string    `json:"breaker_state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// forwardedKey marks events that already crossed the wire so the receiving
// bridge never bounces them back.
const forwardedKey = "forwarded_from"

// Config wires a bridge.
type Config struct {
	Transport   transport.Transport
	Registry    *services.Registry
	Breakers    *breaker.Registry
	LocalHost   string
	PeerHost    string
	Interval    time.Duration // snapshot publish cadence
	GracePeriod time.Duration // peer silence before the mirror goes stale
	Bus         *reporting.Bus
}

// Bridge is one host's end of the cross-machine sync channel.
type Bridge struct {
	cfg Config

	mu           sync.RWMutex
	mirror       map[string]MirrorEntry
	lastPeerSeen time.Time

	subs []transport.Subscription
	now  func() time.Time
}

// New creates a bridge. Call Run to start exchanging snapshots.
func New(cfg Config) *Bridge {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 3 * cfg.Interval
	}
	return &Bridge{
		cfg:    cfg,
		mirror: make(map[string]MirrorEntry),
		now:    time.Now,
	}
}

// Run subscribes to the peer's snapshot and error subjects and publishes
// local snapshots on the configured interval until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	syncSub, err := b.cfg.Transport.Subscribe(transport.SyncSubject(b.cfg.PeerHost), b.handleSnapshot)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, syncSub)

	errSub, err := b.cfg.Transport.Subscribe(transport.ErrorSubject(b.cfg.LocalHost), b.handleForwardedEvent)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, errSub)

	// Forward local CRITICAL/ERROR events to the peer.
	if b.cfg.Bus != nil {
		b.cfg.Bus.Subscribe("syncbridge", func(e reporting.ErrorEvent) bool {
			if _, crossed := e.Context[forwardedKey]; crossed {
				return false
			}
			return e.Severity == reporting.SeverityError || e.Severity == reporting.SeverityCritical
		}, b.forwardEvent)
	}

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	defer func() {
		for _, sub := range b.subs {
			_ = sub.Unsubscribe()
		}
	}()

	// Publish immediately so the peer does not wait a full interval.
	b.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.publishSnapshot()
		}
	}
}

// publishSnapshot sends the full local state to the peer.
func (b *Bridge) publishSnapshot() {
	snap := snapshot{
		Host:     b.cfg.LocalHost,
		SentAt:   b.now(),
		Services: make(map[string]snapshotItem),
	}

	breakers := b.cfg.Breakers.SnapshotAll()
	states := b.cfg.Registry.SnapshotAll()
	for _, desc := range b.cfg.Registry.Local() {
		s, ok := states[desc.Name]
		if !ok {
			continue
		}
		brk := breakers[desc.Name]
		if brk == "" {
			brk = breaker.StateClosed
		}
		snap.Services[desc.Name] = snapshotItem{
			State:     string(s.State),
			Breaker:   string(brk),
			UpdatedAt: s.UpdatedAt,
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		logging.Error("SyncBridge", err, "Failed to encode snapshot")
		return
	}
	if err := b.cfg.Transport.Publish(transport.SyncSubject(b.cfg.LocalHost), data); err != nil {
		logging.Warn("SyncBridge", "Failed to publish snapshot: %v", err)
		if b.cfg.Bus != nil {
			b.cfg.Bus.Publish(reporting.NewEvent("syncbridge", reporting.SeverityWarning, reporting.KindSync,
				"failed to publish state snapshot: "+err.Error()))
		}
	}
}

// handleSnapshot mirrors a peer snapshot. The whole mirror is replaced
// each time since snapshots are full.
func (b *Bridge) handleSnapshot(_ string, data []byte) []byte {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logging.Warn("SyncBridge", "Discarding malformed snapshot from peer: %v", err)
		return nil
	}
	if snap.Host != b.cfg.PeerHost {
		return nil
	}

	mirror := make(map[string]MirrorEntry, len(snap.Services))
	for name, item := range snap.Services {
		mirror[name] = MirrorEntry{
			Name:      name,
			State:     services.ServiceState(item.State),
			Breaker:   breaker.State(item.Breaker),
			UpdatedAt: item.UpdatedAt,
		}
	}

	b.mu.Lock()
	wasStale := b.isStaleLocked()
	b.mirror = mirror
	b.lastPeerSeen = b.now()
	b.mu.Unlock()

	if wasStale {
		logging.Info("SyncBridge", "Peer %s back after silence, mirror resynced (%d services)", snap.Host, len(mirror))
	}
	return nil
}

// handleForwardedEvent republishes an event forwarded by the peer onto the
// local bus, tagged so it is never forwarded again.
func (b *Bridge) handleForwardedEvent(_ string, data []byte) []byte {
	var ev reporting.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logging.Warn("SyncBridge", "Discarding malformed forwarded event: %v", err)
		return nil
	}
	if b.cfg.Bus != nil {
		b.cfg.Bus.Publish(ev)
	}
	return nil
}

// forwardEvent ships a local event to the peer host's error subject.
func (b *Bridge) forwardEvent(ev reporting.ErrorEvent) {
	tagged := ev.WithContext(forwardedKey, b.cfg.LocalHost)
	data, err := json.Marshal(tagged)
	if err != nil {
		return
	}
	if err := b.cfg.Transport.Publish(transport.ErrorSubject(b.cfg.PeerHost), data); err != nil {
		logging.Warn("SyncBridge", "Failed to forward event to peer: %v", err)
	}
}

func (b *Bridge) isStaleLocked() bool {
	return b.lastPeerSeen.IsZero() || b.now().Sub(b.lastPeerSeen) > b.cfg.GracePeriod
}

// RemoteState returns the mirrored state for one remote service. Entries
// are reported Stale when the peer has been silent past the grace period;
// callers must treat stale entries as Unknown rather than trusting them.
func (b *Bridge) RemoteState(name string) (MirrorEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.mirror[name]
	if !ok {
		return MirrorEntry{Name: name, Stale: b.isStaleLocked()}, false
	}
	entry.Stale = b.isStaleLocked()
	return entry, true
}

// SetClock overrides the clock. Test hook.
func (b *Bridge) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
