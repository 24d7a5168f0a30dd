// Package events is the in-process publish/subscribe port between the venue core and
// its fanout adapters (websocket, kafka, redis, gossip).
//
// Delivery is at-most-once: a subscriber whose buffer is full misses the event and the
// bus counts the drop. Publishers never block.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindBookUpdate    Kind = "book.update"
	KindTradeSettled  Kind = "trade.settled"
	KindTradeFailed   Kind = "trade.failed"
	KindTradeExecuted Kind = "trade.executed"
	KindOrderAccepted Kind = "order.accepted"
	KindOrderDone     Kind = "order.done"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	Symbol    string    `json:"symbol"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(e Event)
}

// Filter selects the events a subscription receives; nil accepts everything.
type Filter func(Event) bool

// Kinds returns a filter accepting only the listed kinds.
func Kinds(kinds ...Kind) Filter {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}
}

type Subscription struct {
	id      uint64
	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
}

// C is closed when the subscription is removed or the bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	dropped atomic.Uint64
	onDrop  func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// OnDrop registers a callback invoked for every dropped delivery, typically a metric.
// It must be set before the bus is shared.
func (b *Bus) OnDrop(fn func(Event)) { b.onDrop = fn }

// Subscribe registers a subscriber with a bounded buffer.
func (b *Bus) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan Event, buffer), filter: filter}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

// Dropped is the total number of dropped deliveries across subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone; later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
