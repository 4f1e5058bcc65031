// Package scheduler drives fleet startup: it walks the dependency phases,
// launches local services through a bounded worker pool, gates each on its
// health check with retry and backoff, and aborts the sequence when a
// required service is lost.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fleetctl/internal/breaker"
	"fleetctl/internal/dependency"
	"fleetctl/internal/health"
	"fleetctl/internal/reporting"
	"fleetctl/internal/services"
	"fleetctl/internal/state"
	"fleetctl/internal/syncbridge"
	"fleetctl/pkg/logging"
)

// RemoteMirror exposes the sync bridge's view of the peer host. Nil in
// single-host deployments.
type RemoteMirror interface {
	RemoteState(name string) (syncbridge.MirrorEntry, bool)
}

// Options tunes the scheduler.
type Options struct {
	// PoolSize bounds concurrent launch/health tasks per phase, keeping
	// health-check storms away from shared dependencies.
	PoolSize int

	// BaseBackoff is the first retry delay; each retry doubles it up to
	// MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// FleetTimeout bounds how long a remote required dependency may stay
	// Pending or Unknown before it is treated as failed.
	FleetTimeout time.Duration

	// RemotePoll is the cadence for consulting the mirror.
	RemotePoll time.Duration
}

// DefaultOptions matches the fleet defaults.
func DefaultOptions() Options {
	return Options{
		PoolSize:     4,
		BaseBackoff:  time.Second,
		MaxBackoff:   30 * time.Second,
		FleetTimeout: 2 * time.Minute,
		RemotePoll:   500 * time.Millisecond,
	}
}

// Deps are the collaborators the scheduler operates over.
type Deps struct {
	Registry *services.Registry
	Breakers *breaker.Registry
	Gate     *health.GateKeeper
	Launcher services.Launcher
	Mirror   RemoteMirror
	Bus      *reporting.Bus
	Store    *state.Store
}

// Scheduler is the top-level startup driver, one per host process.
type Scheduler struct {
	deps    Deps
	opts    Options
	monitor *health.Monitor

	// pool bounds concurrent launch and health-check calls across the
	// whole run; backoff sleeps do not hold a slot.
	pool *semaphore.Weighted

	// background tracks non-required members still retrying after their
	// phase advanced.
	background sync.WaitGroup

	mu            sync.Mutex
	aborted       bool
	operatorAbort bool
	failedService string
	abortCh       chan struct{}
	monitors      map[string]bool

	runCtx context.Context
	phases []dependency.Phase
}

// New creates a scheduler. Run may be invoked repeatedly; it is a no-op
// for services that are already Ready.
func New(deps Deps, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.PoolSize <= 0 {
		opts.PoolSize = def.PoolSize
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.FleetTimeout <= 0 {
		opts.FleetTimeout = def.FleetTimeout
	}
	if opts.RemotePoll <= 0 {
		opts.RemotePoll = def.RemotePoll
	}

	s := &Scheduler{
		deps:     deps,
		opts:     opts,
		pool:     semaphore.NewWeighted(int64(opts.PoolSize)),
		abortCh:  make(chan struct{}),
		monitors: make(map[string]bool),
	}
	s.monitor = health.NewMonitor(deps.Gate, deps.Registry, deps.Breakers, s.publish)
	return s
}

// Run walks the start phases in order and returns the fleet verdict. The
// passed context also scopes the liveness monitors started for services
// that reach Ready, so it should outlive the call in a long-running
// orchestrator.
func (s *Scheduler) Run(ctx context.Context) (*FleetResult, error) {
	s.runCtx = ctx
	s.restorePersisted()

	phases, err := dependency.Build(s.deps.Registry.All())
	if err != nil {
		s.publish(reporting.NewEvent("scheduler", reporting.SeverityCritical, reporting.KindStartupFailed,
			"dependency graph rejected: "+err.Error()))
		return nil, err
	}
	s.phases = phases

	for i, phase := range phases {
		if s.isAborted() || ctx.Err() != nil {
			break
		}
		logging.Info("Scheduler", "Starting phase %d/%d: %v", i+1, len(phases), phase.Names())
		s.runPhase(ctx, phase)
		s.persist()
	}

	// Let non-required stragglers land their verdicts before the fleet
	// result is computed.
	s.background.Wait()

	result := s.buildResult()
	s.persist()
	logging.Info("Scheduler", "Startup finished: %s", result.Outcome)
	return result, nil
}

// runPhase schedules every phase member and waits until the phase is
// resolved: all required members have reached a resting state. Degraded
// and non-required members never hold the next phase back; they keep
// retrying in the background and their verdict is folded into the fleet
// result when it lands.
func (s *Scheduler) runPhase(ctx context.Context, phase dependency.Phase) {
	var required sync.WaitGroup
	for _, desc := range phase {
		desc := desc
		wg := &required
		if !desc.Required {
			wg = &s.background
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.startOne(ctx, desc)
		}()
	}
	required.Wait()
}

// startOne resolves a single phase member. Idempotent: services that
// already satisfy their dependents are left untouched.
func (s *Scheduler) startOne(ctx context.Context, desc services.ServiceDescriptor) {
	if s.isAborted() || ctx.Err() != nil {
		return
	}

	if !desc.IsLocal() {
		s.awaitRemote(ctx, desc)
		return
	}

	if st, ok := s.deps.Registry.State(desc.Name); ok && st.Satisfies() {
		s.ensureMonitor(desc)
		return
	}

	if err := s.deps.Breakers.Allow(desc.Name); err != nil {
		s.publish(reporting.NewEvent(desc.Name, reporting.SeverityError, reporting.KindCircuitOpen, err.Error()))
		_ = s.deps.Registry.SetState(desc.Name, services.StateDegraded, err)
		return
	}

	_ = s.deps.Registry.SetState(desc.Name, services.StateStarting, nil)
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return
	}
	launchErr := s.deps.Launcher.Start(ctx, desc)
	s.pool.Release(1)
	if launchErr != nil {
		s.deps.Breakers.RecordFailure(desc.Name)
		s.fail(desc, &StartupTimeoutError{Service: desc.Name, LastErr: launchErr})
		return
	}

	s.awaitReady(ctx, desc)
}

// checkPooled runs one health check through the bounded pool, keeping
// retry storms against shared dependencies capped fleet-wide.
func (s *Scheduler) checkPooled(ctx context.Context, desc services.ServiceDescriptor) health.Result {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return health.Result{Status: health.StatusUnreachable, Detail: err.Error()}
	}
	defer s.pool.Release(1)
	return s.deps.Gate.Check(ctx, desc)
}

// awaitReady runs the readiness gate with warm-up suppression, retries and
// exponential backoff until the service is Ready or its retries are
// exhausted.
func (s *Scheduler) awaitReady(ctx context.Context, desc services.ServiceDescriptor) {
	policy := desc.HealthPolicy
	startedAt := time.Now()
	attempts := 0
	reached := false
	first := true
	var lastErr error

	for {
		// A fleet abort lets the current attempt finish but schedules no
		// further ones.
		if s.isAborted() || ctx.Err() != nil {
			return
		}

		// The breaker gates every attempt after the first; the first one
		// was already admitted by startOne, and asking again would claim
		// a second half-open probe slot that does not exist.
		if !first {
			// An open circuit is not retried; the service surfaces
			// Degraded until the breaker lets a probe through or an
			// operator resets it.
			if err := s.deps.Breakers.Allow(desc.Name); err != nil {
				s.publish(reporting.NewEvent(desc.Name, reporting.SeverityError, reporting.KindCircuitOpen, err.Error()))
				_ = s.deps.Registry.SetState(desc.Name, services.StateDegraded, err)
				return
			}
		}
		first = false

		result := s.checkPooled(ctx, desc)

		if !reached && result.Status != health.StatusUnreachable {
			reached = true
			_ = s.deps.Registry.SetState(desc.Name, services.StateHealthChecking, nil)
		}

		if result.Passed() {
			s.deps.Breakers.RecordSuccess(desc.Name)
			_ = s.deps.Registry.SetState(desc.Name, services.StateReady, nil)
			s.cascadeDegradedFromDeps(desc)
			s.ensureMonitor(desc)
			return
		}
		lastErr = result.Err(desc.Name)

		// Warm-up window: failures are expected while a model loads, so
		// they are logged but never counted against the retry budget.
		if time.Since(startedAt) < policy.StartPeriod {
			// A half-open trial outcome must still be recorded; an
			// unresolved probe keeps its slot claimed and every later
			// Allow is refused until an operator reset.
			if s.deps.Breakers.State(desc.Name) == breaker.StateHalfOpen {
				s.deps.Breakers.RecordFailure(desc.Name)
			}
			logging.Debug("Scheduler", "Service %s failing within start period, not counted: %v", desc.Name, lastErr)
			if !s.sleep(ctx, s.opts.BaseBackoff) {
				return
			}
			continue
		}

		s.deps.Breakers.RecordFailure(desc.Name)
		attempts++
		if attempts >= maxRetries(policy) {
			s.fail(desc, &StartupTimeoutError{
				Service:  desc.Name,
				Attempts: attempts,
				Elapsed:  time.Since(startedAt),
				LastErr:  lastErr,
			})
			return
		}

		ev := reporting.NewEvent(desc.Name, reporting.SeverityWarning, reporting.KindRetry,
			fmt.Sprintf("health check failed (attempt %d/%d), retrying", attempts, maxRetries(policy)))
		s.publish(ev.WithContext("status", string(result.Status)))
		_ = s.deps.Registry.SetState(desc.Name, services.StateRetrying, lastErr)

		if !s.sleep(ctx, s.backoff(attempts)) {
			return
		}
	}
}

// awaitRemote polls the mirrored state of a peer-owned service instead of
// launching it. State is copied into the local registry so dependents and
// the status surface see one coherent fleet.
func (s *Scheduler) awaitRemote(ctx context.Context, desc services.ServiceDescriptor) {
	deadline := time.Now().Add(s.opts.FleetTimeout)

	for {
		if s.isAborted() || ctx.Err() != nil {
			return
		}

		var entry syncbridge.MirrorEntry
		var known bool
		if s.deps.Mirror != nil {
			entry, known = s.deps.Mirror.RemoteState(desc.Name)
		}

		if known && !entry.Stale {
			_ = s.deps.Registry.SetState(desc.Name, entry.State, nil)
			if entry.State.Satisfies() {
				return
			}
			// Failed or Stopped on the peer is a resting state; waiting
			// out the fleet timeout cannot change it.
			if entry.State.IsTerminal() {
				if desc.Required {
					s.fail(desc, &DependencyError{
						Service:    desc.Name,
						Dependency: desc.Name,
						Reason:     fmt.Sprintf("is %s on peer host", entry.State),
					})
				}
				return
			}
		}

		if time.Now().After(deadline) {
			var cause error
			if !known || entry.Stale {
				cause = ErrRemoteUnknown
				s.publish(reporting.NewEvent(desc.Name, reporting.SeverityCritical, reporting.KindSync,
					"remote dependency unknown past fleet timeout, escalating"))
			} else {
				cause = &StartupTimeoutError{Service: desc.Name, Elapsed: s.opts.FleetTimeout, LastErr: fmt.Errorf("remote service stuck %s", entry.State)}
			}
			s.fail(desc, cause)
			return
		}

		if !s.sleep(ctx, s.opts.RemotePoll) {
			return
		}
	}
}

// fail records a resolution for a service that will not reach Ready in
// this run: Failed plus a fleet abort when it is required, Degraded when
// it is not.
func (s *Scheduler) fail(desc services.ServiceDescriptor, cause error) {
	if desc.Required {
		_ = s.deps.Registry.SetState(desc.Name, services.StateFailed, cause)
		s.publish(reporting.NewEvent(desc.Name, reporting.SeverityCritical, reporting.KindStartupFailed, cause.Error()))
		s.triggerAbort(desc.Name)
		return
	}

	_ = s.deps.Registry.SetState(desc.Name, services.StateDegraded, cause)
	s.publish(reporting.NewEvent(desc.Name, reporting.SeverityError, reporting.KindStartupFailed, cause.Error()))
	s.cascadeToDependents(desc.Name)
}

// cascadeToDependents marks dependents of a freshly Degraded service.
// Non-required members resolve in the background, so a dependent may
// already be Ready by the time its dependency's verdict lands; the label
// is applied transitively and stays informational.
func (s *Scheduler) cascadeToDependents(dep string) {
	for _, name := range dependency.Dependents(dep, s.deps.Registry.All()) {
		st, ok := s.deps.Registry.State(name)
		if !ok || st != services.StateReady {
			continue
		}
		err := &DependencyError{Service: name, Dependency: dep, Reason: "is degraded"}
		s.publish(reporting.NewEvent(name, reporting.SeverityWarning, reporting.KindDependency, err.Error()))
		_ = s.deps.Registry.SetState(name, services.StateDegraded, err)
	}
}

// cascadeDegradedFromDeps applies the informational Degraded label to a
// service whose dependency ended Degraded. The service itself passed its
// health gate and keeps running.
func (s *Scheduler) cascadeDegradedFromDeps(desc services.ServiceDescriptor) {
	for _, dep := range desc.Dependencies {
		st, ok := s.deps.Registry.State(dep)
		if !ok || st != services.StateDegraded {
			continue
		}
		err := &DependencyError{Service: desc.Name, Dependency: dep, Reason: "is degraded"}
		s.publish(reporting.NewEvent(desc.Name, reporting.SeverityWarning, reporting.KindDependency, err.Error()))
		_ = s.deps.Registry.SetState(desc.Name, services.StateDegraded, err)
		return
	}
}

// Abort cancels the startup sequence on operator request. Later phases
// are never scheduled; in-flight health attempts finish first.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	s.operatorAbort = true
	close(s.abortCh)
	logging.Warn("Scheduler", "Fleet startup aborted by operator")
}

// Shutdown stops all local services in reverse phase order.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(s.phases) - 1; i >= 0; i-- {
		for _, desc := range s.phases[i] {
			if !desc.IsLocal() {
				continue
			}
			st, ok := s.deps.Registry.State(desc.Name)
			if !ok || st == services.StatePending || st == services.StateStopped {
				continue
			}
			if err := s.deps.Launcher.Stop(ctx, desc); err != nil && firstErr == nil {
				firstErr = err
			}
			_ = s.deps.Registry.SetState(desc.Name, services.StateStopped, nil)
		}
	}

	// A torn-down fleet starts from scratch; stale Ready rows must not
	// survive into the next run.
	if s.deps.Store != nil {
		if err := s.deps.Store.Clear(); err != nil {
			logging.Warn("Scheduler", "Failed to clear persisted fleet state: %v", err)
		}
	}
	return firstErr
}

func (s *Scheduler) triggerAbort(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	s.failedService = service
	close(s.abortCh)

	ev := reporting.NewEvent(service, reporting.SeverityCritical, reporting.KindAbort,
		"required service failed, aborting fleet startup")
	go s.publish(ev)
	logging.Error("Scheduler", nil, "Required service %s failed, aborting remaining phases", service)
}

func (s *Scheduler) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Scheduler) buildResult() *FleetResult {
	states := make(map[string]services.ServiceState)
	for name, snap := range s.deps.Registry.SnapshotAll() {
		states[name] = snap.State
	}

	result := &FleetResult{States: states}

	s.mu.Lock()
	failed := s.failedService
	operator := s.operatorAbort
	s.mu.Unlock()

	switch {
	case failed != "":
		result.Outcome = OutcomeFailure
		result.FailedService = failed
	case operator:
		result.Outcome = OutcomeAborted
	default:
		result.Outcome = OutcomeSuccess
		for _, st := range states {
			if st != services.StateReady {
				result.Outcome = OutcomePartialSuccess
				break
			}
		}
	}
	return result
}

// ensureMonitor starts the liveness probe for a Ready service exactly
// once per scheduler lifetime.
func (s *Scheduler) ensureMonitor(desc services.ServiceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitors[desc.Name] {
		return
	}
	s.monitors[desc.Name] = true
	go s.monitor.Watch(s.runCtx, desc)
}

// backoff returns the delay before retry n (1-based): base×2^(n-1), capped.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	if delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	return delay
}

// sleep waits for d unless the context ends or the fleet aborts; returns
// false when the wait was interrupted.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.abortCh:
		return false
	}
}

func (s *Scheduler) publish(ev reporting.ErrorEvent) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ev)
	}
}

// persist writes the current registry and breaker snapshot so a restarted
// orchestrator can resume instead of relaunching a Ready fleet.
func (s *Scheduler) persist() {
	if s.deps.Store == nil {
		return
	}

	breakers := s.deps.Breakers.SnapshotAll()
	var records []state.Record
	for name, snap := range s.deps.Registry.SnapshotAll() {
		brk := breakers[name]
		if brk == "" {
			brk = breaker.StateClosed
		}
		records = append(records, state.Record{
			Name:      name,
			State:     string(snap.State),
			Breaker:   string(brk),
			UpdatedAt: snap.UpdatedAt,
		})
	}
	if err := s.deps.Store.Save(records); err != nil {
		logging.Warn("Scheduler", "Failed to persist fleet state: %v", err)
	}
}

// restorePersisted reloads Ready/Degraded verdicts from the last run.
// Failed and transient states are not restored; a fresh run should retry
// those services.
func (s *Scheduler) restorePersisted() {
	if s.deps.Store == nil {
		return
	}
	records, err := s.deps.Store.Load()
	if err != nil {
		logging.Warn("Scheduler", "Failed to load persisted fleet state: %v", err)
		return
	}

	for name, record := range records {
		if _, ok := s.deps.Registry.Get(name); !ok {
			continue
		}
		switch services.ServiceState(record.State) {
		case services.StateReady, services.StateDegraded:
			_ = s.deps.Registry.SetState(name, services.ServiceState(record.State), nil)
			logging.Info("Scheduler", "Restored %s as %s from persisted state", name, record.State)
		}
	}
}

func maxRetries(policy services.HealthPolicy) int {
	if policy.MaxRetries <= 0 {
		return 3
	}
	return policy.MaxRetries
}
