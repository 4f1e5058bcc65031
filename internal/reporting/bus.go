package reporting

import (
	"fmt"
	"sync"
	"time"

	"fleetctl/pkg/logging"
)

// Handler consumes an event on a subscriber's own goroutine.
type Handler func(ErrorEvent)

// Filter decides whether a subscriber receives an event. A nil filter
// matches everything.
type Filter func(ErrorEvent) bool

// Metrics tracks bus behavior under load.
type Metrics struct {
	Published  int64
	Delivered  int64
	Dropped    int64
	Suppressed int64
}

// Options tunes the bus.
type Options struct {
	// QueueSize bounds each subscriber's queue. When the queue is full the
	// oldest event is dropped and counted, never the publisher blocked.
	QueueSize int

	// SuppressionWindow is the sliding window in which events with the
	// same (source, kind) are coalesced into a single repeated-N event.
	SuppressionWindow time.Duration

	// MetaInterval paces the periodic meta-event carrying the dropped and
	// suppressed counters.
	MetaInterval time.Duration
}

// DefaultOptions matches the fleet defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:         256,
		SuppressionWindow: 10 * time.Second,
		MetaInterval:      time.Minute,
	}
}

// Bus is the publish/subscribe fan-out for ErrorEvents. Publishing never
// blocks; every subscriber has a bounded queue drained by its own
// goroutine.
type Bus struct {
	mu     sync.Mutex
	opts   Options
	subs   map[int]*Subscription
	nextID int

	metrics Metrics

	// flood suppression state, keyed by source|kind
	windows map[string]*window

	stop   chan struct{}
	closed bool
}

type window struct {
	start time.Time
	count int
	last  ErrorEvent
}

// Subscription is one consumer of the bus.
type Subscription struct {
	id      int
	name    string
	filter  Filter
	handler Handler
	queue   chan ErrorEvent
	done    chan struct{}
	dropped int64
}

// NewBus creates and starts the bus. Close releases its background loop.
func NewBus(opts Options) *Bus {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.SuppressionWindow <= 0 {
		opts.SuppressionWindow = def.SuppressionWindow
	}
	if opts.MetaInterval <= 0 {
		opts.MetaInterval = def.MetaInterval
	}

	b := &Bus{
		opts:    opts,
		subs:    make(map[int]*Subscription),
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go b.housekeeping()
	return b
}

// Subscribe registers a handler. The name identifies the subscriber in
// dropped-event diagnostics.
func (b *Bus) Subscribe(name string, filter Filter, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		name:    name,
		filter:  filter,
		handler: handler,
		queue:   make(chan ErrorEvent, b.opts.QueueSize),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub

	go sub.drain()
	return sub
}

// Unsubscribe removes a subscription and stops its drain goroutine.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish fans an event out to all matching subscribers. Repeated events
// from the same (source, kind) inside the suppression window are coalesced
// instead of forwarded.
func (b *Bus) Publish(event ErrorEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.metrics.Published++

	key := event.SourceService + "|" + string(event.Kind)
	if w, ok := b.windows[key]; ok && time.Since(w.start) < b.opts.SuppressionWindow {
		w.count++
		w.last = event
		b.metrics.Suppressed++
		b.mu.Unlock()
		return
	}
	b.windows[key] = &window{start: event.Timestamp, count: 0, last: event}

	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.deliver(subs, event)
}

func (b *Bus) deliver(subs []*Subscription, event ErrorEvent) {
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		for {
			select {
			case sub.queue <- event:
				b.mu.Lock()
				b.metrics.Delivered++
				b.mu.Unlock()
			default:
				// Queue full: drop the oldest and retry the enqueue.
				select {
				case <-sub.queue:
					b.mu.Lock()
					sub.dropped++
					b.metrics.Dropped++
					b.mu.Unlock()
				default:
				}
				continue
			}
			break
		}
	}
}

// housekeeping flushes expired suppression windows as repeated-N events
// and periodically publishes the dropped-event counter as a meta-event.
func (b *Bus) housekeeping() {
	flushEvery := b.opts.SuppressionWindow / 4
	if flushEvery <= 0 || flushEvery > time.Second {
		flushEvery = time.Second
	}
	flush := time.NewTicker(flushEvery)
	meta := time.NewTicker(b.opts.MetaInterval)
	defer flush.Stop()
	defer meta.Stop()

	var lastDropped, lastSuppressed int64
	for {
		select {
		case <-b.stop:
			return
		case <-flush.C:
			b.flushExpiredWindows()
		case <-meta.C:
			b.mu.Lock()
			dropped := b.metrics.Dropped - lastDropped
			suppressed := b.metrics.Suppressed - lastSuppressed
			lastDropped = b.metrics.Dropped
			lastSuppressed = b.metrics.Suppressed
			b.mu.Unlock()

			if dropped > 0 || suppressed > 0 {
				ev := NewEvent("errorbus", SeverityWarning, KindDropped,
					fmt.Sprintf("%d events dropped, %d suppressed in the last %s", dropped, suppressed, b.opts.MetaInterval))
				ev = ev.WithContext("dropped", fmt.Sprintf("%d", dropped))
				ev = ev.WithContext("suppressed", fmt.Sprintf("%d", suppressed))
				b.Publish(ev)
			}
		}
	}
}

func (b *Bus) flushExpiredWindows() {
	b.mu.Lock()
	var repeats []ErrorEvent
	for key, w := range b.windows {
		if time.Since(w.start) < b.opts.SuppressionWindow {
			continue
		}
		if w.count > 0 {
			ev := NewEvent(w.last.SourceService, w.last.Severity, KindRepeated,
				fmt.Sprintf("%s repeated %d times", w.last.Message, w.count))
			ev = ev.WithContext("kind", string(w.last.Kind))
			ev = ev.WithContext("count", fmt.Sprintf("%d", w.count))
			repeats = append(repeats, ev)
		}
		delete(b.windows, key)
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, ev := range repeats {
		b.deliver(subs, ev)
	}
}

// GetMetrics returns a copy of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Close stops the bus and all subscriber goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	close(b.stop)
	for _, sub := range subs {
		close(sub.done)
	}
}

func (s *Subscription) drain() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Error("ErrorBus", fmt.Errorf("%v", r), "Subscriber %s panicked", s.name)
					}
				}()
				s.handler(event)
			}()
		}
	}
}

// LogSink is the default local subscriber: it writes every event to the
// process log at a level matching its severity.
func LogSink(event ErrorEvent) {
	switch event.Severity {
	case SeverityWarning:
		logging.Warn("Fleet", "%s", event.String())
	default:
		logging.Error("Fleet", nil, "%s", event.String())
	}
}
