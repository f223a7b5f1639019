// Package events implements the in-process event bus: a single fan-out of
// structured events to many subscribers (typically UI streams).
//
// Guarantees:
//   - Sequence numbers are bus-global and strictly monotonic.
//   - Per subscriber, delivery never reorders; under backpressure the oldest
//     queued entry is dropped and a single "lagged by N" marker frame is
//     delivered once space frees.
//   - High-frequency telemetry (health checks, performance alerts) is
//     coalesced into a periodic digest per model; lifecycle events are never
//     coalesced.
//   - Closing a subscriber drains its queue and releases resources
//     deterministically; no events are delivered after close.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/metrics"
	"github.com/synapsehq/synapse/pkg/models"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// DefaultCoalesceInterval is the telemetry digest period (≤2 Hz per model).
const DefaultCoalesceInterval = 500 * time.Millisecond

// Publisher is the write side of the bus, the handle components hold.
type Publisher interface {
	Publish(kind models.EventKind, payload map[string]any)
}

// Bus is the in-process event fan-out.
type Bus struct {
	seq atomic.Uint64

	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	queueSize int
	interval  time.Duration

	// pending holds the latest telemetry event per coalesce key.
	pendingMu sync.Mutex
	pending   map[string]pendingEvent
	order     []string // flush in arrival order

	stopCh  chan struct{}
	stopped sync.Once
}

type pendingEvent struct {
	kind    models.EventKind
	payload map[string]any
}

// Option configures the bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithCoalesceInterval sets the telemetry digest period.
func WithCoalesceInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.interval = d
		}
	}
}

// NewBus creates the bus and starts its telemetry coalescing loop.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: DefaultQueueSize,
		interval:  DefaultCoalesceInterval,
		pending:   make(map[string]pendingEvent),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.coalesceLoop()
	return b
}

// Close stops the coalescing loop and closes every subscriber.
func (b *Bus) Close() {
	b.stopped.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Publish emits an event. Lifecycle kinds are fanned out immediately;
// telemetry kinds are folded into the next digest for their model.
func (b *Bus) Publish(kind models.EventKind, payload map[string]any) {
	if kind.Lifecycle() {
		b.fanOut(kind, payload)
		return
	}

	key := string(kind)
	if id, ok := payload["model_id"].(string); ok {
		key += "/" + id
	}

	b.pendingMu.Lock()
	if _, exists := b.pending[key]; !exists {
		b.order = append(b.order, key)
	}
	b.pending[key] = pendingEvent{kind: kind, payload: payload}
	b.pendingMu.Unlock()
}

// fanOut assigns the global sequence number and delivers to all subscribers.
func (b *Bus) fanOut(kind models.EventKind, payload map[string]any) {
	ev := models.Event{
		Kind:    kind,
		Seq:     b.seq.Add(1),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()

	b.mu.Lock()
	for s := range b.subs {
		s.deliver(ev)
	}
	b.mu.Unlock()
}

func (b *Bus) coalesceLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushPending()
		case <-b.stopCh:
			b.flushPending()
			return
		}
	}
}

func (b *Bus) flushPending() {
	b.pendingMu.Lock()
	if len(b.pending) == 0 {
		b.pendingMu.Unlock()
		return
	}
	keys := b.order
	pend := b.pending
	b.order = nil
	b.pending = make(map[string]pendingEvent)
	b.pendingMu.Unlock()

	for _, k := range keys {
		p := pend[k]
		b.fanOut(p.kind, p.payload)
	}
}

// ── Subscribers ──────────────────────────────────────────────

// Subscriber is one bounded consumer of bus events.
type Subscriber struct {
	bus *Bus

	mu      sync.Mutex
	ch      chan models.Event
	lagged  uint64
	lastSeq uint64 // seq of the newest dropped event
	closed  bool
}

// Subscribe registers a new subscriber with the bus's queue bound.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		bus: b,
		ch:  make(chan models.Event, b.queueSize),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Events returns the subscriber's delivery channel. It is closed by Close.
func (s *Subscriber) Events() <-chan models.Event {
	return s.ch
}

// Close unregisters the subscriber, drains its queue, and closes the channel.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

// deliver enqueues ev, dropping the oldest entry under pressure. When space
// frees after a drop, a single lagged marker precedes newer events. Called
// with the bus mutex held, so per-subscriber ordering matches seq order.
func (s *Subscriber) deliver(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Surface an accumulated lag marker first, if there is room for both it
	// and the new event.
	if s.lagged > 0 && cap(s.ch)-len(s.ch) >= 2 {
		s.ch <- models.Event{
			Kind:    models.EventLagged,
			Seq:     s.lastSeq,
			TS:      time.Now().UTC(),
			Payload: map[string]any{"count": s.lagged},
		}
		s.lagged = 0
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: drop the oldest entry to make room.
	select {
	case old := <-s.ch:
		if old.Kind == models.EventLagged {
			// Fold a dropped lag marker into the running count.
			if n, ok := old.Payload["count"].(uint64); ok {
				s.lagged += n
			}
		} else {
			s.lagged++
			s.lastSeq = old.Seq
			metrics.EventsDropped.Inc()
		}
	default:
		// Consumer drained concurrently; there is room now.
	}

	select {
	case s.ch <- ev:
	default:
		s.lagged++
		s.lastSeq = ev.Seq
		metrics.EventsDropped.Inc()
		log.Debug().Uint64("seq", ev.Seq).Msg("event dropped for slow subscriber")
	}
}
