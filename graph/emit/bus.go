package emit

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// given a non-positive buffer size.
const DefaultSubscriberBuffer = 256

// Bus is a publish/subscribe Emitter. Each subscriber owns a buffered channel
// and a server-side Filter; events are delivered in publish order.
//
// Publishing never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted in Dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription is one consumer of a Bus.
type Subscription struct {
	id      uint64
	bus     *Bus
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber receiving every event that matches filter.
// On a closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{bus: b, filter: filter, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Emit publishes event to every matching subscriber.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription channel. Further events are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

// Events returns the receive channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many matching events were discarded because the
// subscriber was not keeping up.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
