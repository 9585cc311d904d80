package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

const (
	// DefaultHistorySize is the number of recent events kept for replay.
	DefaultHistorySize = 500

	// DefaultQueueSize is the per-subscriber delivery queue length.
	DefaultQueueSize = 100
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// SubscriptionID identifies one Subscribe call.
type SubscriptionID string

type subscriber struct {
	id      SubscriptionID
	match   EventType
	handler func(Event)
	queue   chan Event
	stop    chan struct{}
}

func (s *subscriber) wants(t EventType) bool {
	return s.match == "" || s.match == t
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize bounds the replay ring. Non-positive values keep the
// default.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]Event, n)
		}
	}
}

// WithQueueSize sets the per-subscriber queue length.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Subscribers int               `json:"subscribers"`
	Wildcard    int               `json:"wildcard"`
	ByType      map[EventType]int `json:"by_type"`
	Published   uint64            `json:"published"`
	Dropped     uint64            `json:"dropped"`
}

// Bus fans events out to subscribers, each drained by its own goroutine in
// publish order. A full subscriber queue drops the event for that
// subscriber only; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[SubscriptionID]*subscriber
	next atomic.Uint64

	ringMu sync.RWMutex
	ring   []Event
	head   int
	filled int

	queueSize int
	published atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	log    zerolog.Logger
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:      make(map[SubscriptionID]*subscriber),
		ring:      make([]Event, DefaultHistorySize),
		queueSize: DefaultQueueSize,
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for one event type; the empty type matches
// everything. It returns "" on a closed bus.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	s := &subscriber{
		id:      SubscriptionID(fmt.Sprintf("sub_%d", b.next.Add(1))),
		match:   eventType,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(s)
	return s.id
}

func (b *Bus) drain(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			b.call(s, ev)
		case <-s.stop:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) call(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("subscription", string(s.id)).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	s.handler(ev)
}

// Unsubscribe stops delivery to id.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("unsubscribe %s: not found", id)
	}
	close(s.stop)
	return nil
}

// Publish records ev in the replay ring and queues it for every matching
// subscriber. A missing id or timestamp is filled in.
func (b *Bus) Publish(ev Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		stamp := NewEvent(ev.Type, ev.Source, ev.Payload)
		if ev.ID == "" {
			ev.ID = stamp.ID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = stamp.Timestamp
		}
	}

	b.remember(ev)
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.queue <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				b.log.Warn().Str("subscription", string(s.id)).Uint64("dropped_total", n).Msg("subscriber queue full, event dropped")
			}
		}
	}
	return nil
}

// Emit publishes a fresh event and only logs failures.
func (b *Bus) Emit(eventType EventType, source string, payload any) {
	if err := b.Publish(NewEvent(eventType, source, payload)); err != nil {
		b.log.Debug().Err(err).Str("type", string(eventType)).Msg("emit dropped")
	}
}

func (b *Bus) remember(ev Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
	if b.filled < len(b.ring) {
		b.filled++
	}
}

// History returns the last n events oldest first; n <= 0 returns the whole
// ring.
func (b *Bus) History(n int) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	if n <= 0 || n > b.filled {
		n = b.filled
	}
	out := make([]Event, n)
	start := (b.head - n + len(b.ring)) % len(b.ring)
	for i := range out {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}

// Capacity returns the replay ring size.
func (b *Bus) Capacity() int { return len(b.ring) }

// Dropped counts deliveries lost to full subscriber queues.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Stats summarizes subscriptions and throughput.
func (b *Bus) Stats() Stats {
	st := Stats{
		ByType:    map[EventType]int{},
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		st.Subscribers++
		if s.match == "" {
			st.Wildcard++
		} else {
			st.ByType[s.match]++
		}
	}
	return st
}

// Close stops every subscriber goroutine; queued events are discarded.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscriber)
	b.mu.Unlock()
	return nil
}
