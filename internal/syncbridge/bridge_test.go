package syncbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetctl/internal/breaker"
	"fleetctl/internal/reporting"
	"fleetctl/internal/services"
	"fleetctl/internal/transport"
)

// twoHosts wires a pair of bridges over one in-process hub, as if hosts
// alpha and beta shared a broker.
func twoHosts(t *testing.T, interval time.Duration) (*Bridge, *Bridge, *services.Registry, *services.Registry) {
	t.Helper()
	hub := transport.NewHub()

	regA := services.NewRegistry()
	require.NoError(t, regA.Register(services.ServiceDescriptor{Name: "model-server", Host: services.HostLocal, Required: true}))

	regB := services.NewRegistry()
	require.NoError(t, regB.Register(services.ServiceDescriptor{Name: "speech-agent", Host: services.HostLocal, Required: true}))

	bridgeA := New(Config{
		Transport: hub.Transport(),
		Registry:  regA,
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig()),
		LocalHost: "alpha",
		PeerHost:  "beta",
		Interval:  interval,
	})
	bridgeB := New(Config{
		Transport: hub.Transport(),
		Registry:  regB,
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig()),
		LocalHost: "beta",
		PeerHost:  "alpha",
		Interval:  interval,
	})
	return bridgeA, bridgeB, regA, regB
}

func waitForMirror(t *testing.T, b *Bridge, name string, want services.ServiceState) MirrorEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := b.RemoteState(name); ok && entry.State == want {
			return entry
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry, ok := b.RemoteState(name)
	t.Fatalf("mirror for %s never reached %s (found=%v entry=%+v)", name, want, ok, entry)
	return MirrorEntry{}
}

func TestBridge_MirrorsPeerStateWithinOneInterval(t *testing.T) {
	bridgeA, bridgeB, regA, _ := twoHosts(t, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridgeA.Run(ctx) }()
	go func() { _ = bridgeB.Run(ctx) }()

	require.NoError(t, regA.SetState("model-server", services.StateReady, nil))

	entry := waitForMirror(t, bridgeB, "model-server", services.StateReady)
	assert.False(t, entry.Stale)
	assert.Equal(t, breaker.StateClosed, entry.Breaker)
}

func TestBridge_UnknownServiceNotMirrored(t *testing.T) {
	bridgeA, bridgeB, _, _ := twoHosts(t, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridgeA.Run(ctx) }()
	go func() { _ = bridgeB.Run(ctx) }()

	waitForMirror(t, bridgeB, "model-server", services.StatePending)

	_, ok := bridgeB.RemoteState("no-such-service")
	assert.False(t, ok)
}

func TestBridge_PeerSilenceMarksMirrorStale(t *testing.T) {
	bridgeA, bridgeB, regA, _ := twoHosts(t, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = bridgeA.Run(ctx) }()

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go func() { _ = bridgeB.Run(ctxB) }()

	require.NoError(t, regA.SetState("model-server", services.StateReady, nil))
	waitForMirror(t, bridgeB, "model-server", services.StateReady)

	// Kill host alpha's bridge and age past the grace period.
	cancel()
	time.Sleep(10 * time.Millisecond)
	base := time.Now()
	bridgeB.SetClock(func() time.Time { return base.Add(time.Hour) })

	entry, ok := bridgeB.RemoteState("model-server")
	require.True(t, ok)
	assert.True(t, entry.Stale, "mirror must go stale after peer silence")
	// The last known state is retained for diagnostics, just not trusted.
	assert.Equal(t, services.StateReady, entry.State)
}

func TestBridge_ReconnectResyncsFullSnapshot(t *testing.T) {
	bridgeA, bridgeB, regA, _ := twoHosts(t, 20*time.Millisecond)

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go func() { _ = bridgeB.Run(ctxB) }()

	// Alpha comes up late, after state already moved.
	require.NoError(t, regA.SetState("model-server", services.StateReady, nil))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	go func() { _ = bridgeA.Run(ctxA) }()

	entry := waitForMirror(t, bridgeB, "model-server", services.StateReady)
	assert.False(t, entry.Stale)
}

func TestBridge_ForwardsErrorEventsToPeerOnce(t *testing.T) {
	hub := transport.NewHub()

	busA := reporting.NewBus(reporting.Options{SuppressionWindow: time.Millisecond})
	defer busA.Close()
	busB := reporting.NewBus(reporting.Options{SuppressionWindow: time.Millisecond})
	defer busB.Close()

	regA := services.NewRegistry()
	regB := services.NewRegistry()

	bridgeA := New(Config{
		Transport: hub.Transport(), Registry: regA,
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig()),
		LocalHost: "alpha", PeerHost: "beta",
		Interval: 20 * time.Millisecond, Bus: busA,
	})
	bridgeB := New(Config{
		Transport: hub.Transport(), Registry: regB,
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig()),
		LocalHost: "beta", PeerHost: "alpha",
		Interval: 20 * time.Millisecond, Bus: busB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridgeA.Run(ctx) }()
	go func() { _ = bridgeB.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)

	received := make(chan reporting.ErrorEvent, 8)
	busB.Subscribe("test", nil, func(e reporting.ErrorEvent) { received <- e })

	busA.Publish(reporting.NewEvent("model-server", reporting.SeverityCritical, reporting.KindStartupFailed, "exhausted retries"))

	select {
	case ev := <-received:
		assert.Equal(t, "model-server", ev.SourceService)
		assert.Equal(t, "alpha", ev.Context["forwarded_from"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never crossed to peer host")
	}

	// The forwarded event must not bounce back and forth.
	select {
	case ev := <-received:
		t.Fatalf("unexpected second delivery: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
