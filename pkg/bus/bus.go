// Package bus fans appended events out to in-process subscribers: event
// streams, IM bridges, the delivery injector, and the automation loop.
// Publish preserves per-group append order; there is no cross-group order.
package bus

import (
	"log/slog"
	"sync"

	"github.com/cccc-dev/cccc/pkg/models"
)

// Filter selects the events a subscriber receives. Zero-value fields match
// everything.
type Filter struct {
	GroupID string
	Kinds   []string
}

func (f Filter) matches(ev *models.Event) bool {
	if f.GroupID != "" && ev.GroupID != f.GroupID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if ev.Kind == k {
			return true
		}
	}
	return false
}

// Subscription is one subscriber's bounded event queue. When the queue
// overflows the bus closes the subscription; the consumer is expected to
// reconnect and reconcile via a ledger tail.
type Subscription struct {
	id     uint64
	name   string
	filter Filter
	ch     chan *models.Event
	once   sync.Once
}

// Events returns the receive channel. It is closed when the subscription is
// dropped or the bus shuts down.
func (s *Subscription) Events() <-chan *models.Event { return s.ch }

// Name returns the label the subscription was registered under.
func (s *Subscription) Name() string { return s.name }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	buffer int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New returns a bus whose subscriptions buffer up to buffer events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber. name is a label for logs only.
func (b *Bus) Subscribe(name string, filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		name:   name,
		filter: filter,
		ch:     make(chan *models.Event, b.buffer),
	}
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// for subscriptions the bus already dropped.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers ev to every matching subscriber without blocking. A
// subscriber whose queue is full is dropped: delaying one slow consumer
// would stall append visibility for every other port.
func (b *Bus) Publish(ev *models.Event) {
	b.mu.Lock()
	var dropped []*Subscription
	for id, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, id)
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		slog.Warn("Dropped slow event subscriber",
			"subscriber", sub.name, "group_id", ev.GroupID, "buffer", b.buffer)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscription. Further Publish calls are no-ops and
// further Subscribe calls return already-closed subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
