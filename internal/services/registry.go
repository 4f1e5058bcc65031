package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetctl/pkg/logging"
)

// Snapshot is a point-in-time copy of one service's live state.
type Snapshot struct {
	Name      string
	State     ServiceState
	LastError error
	UpdatedAt time.Time
}

// Registry is the in-memory catalog of descriptors and their live state,
// the single source of truth for one orchestrator process. All state
// mutation funnels through SetState, which holds a per-service lock, so
// writers for different services never contend while writers for the same
// service are serialized.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	callbacks []StateChangeCallback
}

type entry struct {
	mu        sync.Mutex
	desc      ServiceDescriptor
	state     ServiceState
	lastErr   error
	updatedAt time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds a descriptor in state Pending. Names must be unique across
// the whole fleet; a duplicate is a configuration error.
func (r *Registry) Register(desc ServiceDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("service %s already registered", desc.Name)
	}

	r.entries[desc.Name] = &entry{
		desc:      desc,
		state:     StatePending,
		updatedAt: time.Now(),
	}

	logging.Debug("Registry", "Registered service %s (host=%s, required=%t)", desc.Name, desc.Host, desc.Required)
	return nil
}

// Get returns the descriptor for a service.
func (r *Registry) Get(name string) (ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return e.desc, true
}

// State returns the current state of a service.
func (r *Registry) State(name string) (ServiceState, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// SetState commits a state transition and notifies subscribers. It is the
// only mutation path for service state. Setting the current state again is
// a no-op and fires no callbacks, which keeps re-runs of the scheduler
// quiet on an already-converged fleet.
func (r *Registry) SetState(name string, state ServiceState, cause error) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	callbacks := make([]StateChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("service %s not found", name)
	}

	e.mu.Lock()
	old := e.state
	if old == state {
		e.mu.Unlock()
		return nil
	}
	e.state = state
	e.lastErr = cause
	e.updatedAt = time.Now()
	e.mu.Unlock()

	logging.Debug("Registry", "Service %s: %s -> %s", name, old, state)

	for _, cb := range callbacks {
		cb(name, old, state, cause)
	}
	return nil
}

// OnStateChange registers a callback for all committed transitions.
// Must be called before the scheduler starts mutating state.
func (r *Registry) OnStateChange(cb StateChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// All returns every registered descriptor sorted by name.
func (r *Registry) All() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Local returns the descriptors this orchestrator launches itself.
func (r *Registry) Local() []ServiceDescriptor {
	all := r.All()
	out := all[:0]
	for _, d := range all {
		if d.IsLocal() {
			out = append(out, d)
		}
	}
	return out
}

// SnapshotAll returns a copy of the live state of every service.
func (r *Registry) SnapshotAll() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.entries))
	for name, e := range r.entries {
		e.mu.Lock()
		out[name] = Snapshot{
			Name:      name,
			State:     e.state,
			LastError: e.lastErr,
			UpdatedAt: e.updatedAt,
		}
		e.mu.Unlock()
	}
	return out
}
