package reporting

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is a test subscriber that records everything it receives.
type collector struct {
	mu     sync.Mutex
	events []ErrorEvent
}

func (c *collector) handle(e ErrorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []ErrorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorEvent(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []ErrorEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs := c.snapshot()
	require.GreaterOrEqual(t, len(evs), n, "timed out waiting for %d events, got %d", n, len(evs))
	return evs
}

func TestBus_FanOutToAllSubscribers(t *testing.T) {
	bus := NewBus(Options{SuppressionWindow: time.Millisecond})
	defer bus.Close()

	var a, b collector
	bus.Subscribe("a", nil, a.handle)
	bus.Subscribe("b", nil, b.handle)

	bus.Publish(NewEvent("svc", SeverityError, KindStartupFailed, "boom"))

	a.waitFor(t, 1)
	b.waitFor(t, 1)
	assert.Equal(t, "boom", a.snapshot()[0].Message)
}

func TestBus_FilterRouting(t *testing.T) {
	bus := NewBus(Options{SuppressionWindow: time.Millisecond})
	defer bus.Close()

	var critical collector
	bus.Subscribe("critical-only", func(e ErrorEvent) bool {
		return e.Severity == SeverityCritical
	}, critical.handle)

	bus.Publish(NewEvent("svc-a", SeverityWarning, KindHealthCheck, "warn"))
	bus.Publish(NewEvent("svc-b", SeverityCritical, KindStartupFailed, "crit"))

	evs := critical.waitFor(t, 1)
	assert.Equal(t, "crit", evs[0].Message)
	assert.Len(t, evs, 1)
}

func TestBus_PublishNeverBlocksAndDropsOldest(t *testing.T) {
	bus := NewBus(Options{QueueSize: 4, SuppressionWindow: time.Millisecond})
	defer bus.Close()

	// A subscriber that never drains: block the handler forever.
	block := make(chan struct{})
	defer close(block)
	bus.Subscribe("stuck", nil, func(ErrorEvent) { <-block })

	done := make(chan struct{})
	go func() {
		// Distinct sources defeat coalescing so every publish hits the queue.
		for i := 0; i < 100; i++ {
			bus.Publish(NewEvent(string(rune('a'+i%26))+"-svc", SeverityError, Kind(string(rune('a'+i))), "flood"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}

	metrics := bus.GetMetrics()
	assert.Greater(t, metrics.Dropped, int64(0), "overflow must be counted as drops")
}

func TestBus_FloodSuppressionCoalesces(t *testing.T) {
	bus := NewBus(Options{SuppressionWindow: 100 * time.Millisecond})
	defer bus.Close()

	var sink collector
	bus.Subscribe("sink", nil, sink.handle)

	for i := 0; i < 20; i++ {
		bus.Publish(NewEvent("noisy", SeverityError, KindHealthCheck, "health check failed"))
	}

	// Only the first event is forwarded immediately.
	first := sink.waitFor(t, 1)
	assert.Equal(t, KindHealthCheck, first[0].Kind)

	// After the window expires a single repeated-N summary follows.
	evs := sink.waitFor(t, 2)
	var repeated *ErrorEvent
	for i := range evs {
		if evs[i].Kind == KindRepeated {
			repeated = &evs[i]
		}
	}
	require.NotNil(t, repeated, "expected a repeated-N summary event")
	assert.Equal(t, "noisy", repeated.SourceService)
	assert.Contains(t, repeated.Message, "repeated 19 times")
}

func TestBus_DistinctKindsNotCoalesced(t *testing.T) {
	bus := NewBus(Options{SuppressionWindow: time.Minute})
	defer bus.Close()

	var sink collector
	bus.Subscribe("sink", nil, sink.handle)

	bus.Publish(NewEvent("svc", SeverityError, KindHealthCheck, "one"))
	bus.Publish(NewEvent("svc", SeverityError, KindCircuitOpen, "two"))
	bus.Publish(NewEvent("other", SeverityError, KindHealthCheck, "three"))

	evs := sink.waitFor(t, 3)
	assert.Len(t, evs, 3)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(Options{SuppressionWindow: time.Millisecond})
	defer bus.Close()

	var sink collector
	sub := bus.Subscribe("sink", nil, sink.handle)

	bus.Publish(NewEvent("svc", SeverityError, KindStartupFailed, "first"))
	sink.waitFor(t, 1)

	bus.Unsubscribe(sub)
	bus.Publish(NewEvent("svc2", SeverityError, KindStartupFailed, "second"))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
}
