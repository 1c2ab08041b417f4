package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscription buffer used when no size is given.
const DefaultQueueSize = 256

// Handler processes one delivered event. Handlers for a given subscription
// run sequentially on that subscription's dispatch goroutine, so they may
// block briefly without affecting other subscribers.
type Handler func(Event)

// Subscription is the token returned by Subscribe. The subscribing component
// must retain it and pass the same value to Unsubscribe. Re-deriving a
// handler at stop time is exactly the bug class this design rules out: the
// token pins the handler that was actually registered, even when the
// start/stop decision depends on mutable configuration.
type Subscription struct {
	id        string
	eventType EventType
	handler   Handler

	queue  chan Event
	done   chan struct{}
	active atomic.Bool
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// EventType returns the event type this subscription receives.
func (s *Subscription) EventType() EventType { return s.eventType }

// Bus is a typed publish/subscribe event bus. Publish enqueues and returns;
// each subscription drains its own buffered queue on a dedicated goroutine,
// which yields FIFO delivery per subscriber for events from one publisher.
// Subscribe and Unsubscribe are safe to call concurrently with Publish.
type Bus struct {
	mu        sync.RWMutex
	subs      map[EventType][]*Subscription
	queueSize int
	closed    bool

	wg      sync.WaitGroup
	dropped atomic.Uint64
	logger  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an event bus ready for use.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[EventType][]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events of type t and returns the
// subscription token. A nil handler returns nil.
func (b *Bus) Subscribe(t EventType, handler Handler) *Subscription {
	if handler == nil {
		return nil
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: t,
		handler:   handler,
		queue:     make(chan Event, b.queueSize),
		done:      make(chan struct{}),
	}
	sub.active.Store(true)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub)

	return sub
}

// Unsubscribe removes the subscription and stops its dispatch goroutine.
// Passing nil or an already-removed subscription is a no-op. After
// Unsubscribe returns, no event published afterwards reaches the handler.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	list := b.subs[sub.eventType]
	removed := false
	for i, s := range list {
		if s == sub {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}
	b.mu.Unlock()

	if removed && sub.active.CompareAndSwap(true, false) {
		close(sub.done)
	}
}

// Publish enqueues the event for every current subscriber of its type and
// returns without waiting for handlers. A full subscriber queue drops the
// oldest pending event so a stalled handler cannot grow memory without bound.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, len(b.subs[event.Type()]))
	copy(targets, b.subs[event.Type()])
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			// Queue full: shed the oldest event, then enqueue the new one.
			select {
			case dropped := <-sub.queue:
				b.dropped.Add(1)
				b.logger.Warn("event bus subscriber queue full, dropping oldest event",
					"subscription_id", sub.id,
					"event_type", dropped.Type())
			default:
			}
			select {
			case sub.queue <- event:
			default:
				b.dropped.Add(1)
				b.logger.Warn("event bus subscriber queue full, dropping event",
					"subscription_id", sub.id,
					"event_type", event.Type())
			}
		}
	}
}

// DroppedCount returns the total number of events shed from full subscriber
// queues since the bus was created.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions for t.
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Close removes every subscription and waits for all dispatch goroutines to
// exit. The bus accepts no further publishes or subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[EventType][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		if sub.active.CompareAndSwap(true, false) {
			close(sub.done)
		}
	}
	b.wg.Wait()
}

// dispatch drains one subscription's queue until the subscription ends.
func (b *Bus) dispatch(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			// Prefer done when both are ready so unsubscribed handlers
			// stop promptly.
			select {
			case <-sub.done:
				return
			default:
			}
			b.invoke(sub, event)
		}
	}
}

// invoke runs the handler, containing panics so one broken subscriber cannot
// take down the dispatch loop.
func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscription_id", sub.id,
				"event_type", event.Type(),
				"panic", r)
		}
	}()
	sub.handler(event)
}
