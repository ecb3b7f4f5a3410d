package server

import (
	"sync"
	"sync/atomic"

	"github.com/openfsd/openfsd/pkg/protocol"
)

// busCapacity bounds each subscriber's backlog. A subscriber that does not
// drain fast enough loses its oldest undelivered messages.
const busCapacity = 256

// Origin identifies the producer of a bus message: either a specific
// connection, or the server itself.
type Origin struct {
	Conn   ConnID
	Server bool
}

// ServerOrigin marks server-originated messages (heartbeats, announcements)
// that are delivered to every subscriber, self-exclusion notwithstanding.
var ServerOrigin = Origin{Server: true}

// ConnOrigin tags a message as originating from the given connection.
func ConnOrigin(id ConnID) Origin {
	return Origin{Conn: id}
}

// Message is the bus payload: either a Packet to relay, or a Disconnect
// signal addressed to the connection named by Origin.
type Message struct {
	Origin     Origin
	Packet     *protocol.Packet
	Disconnect bool
}

// DeliverableTo reports whether the message should reach the subscriber that
// owns id. Packets are dropped when their origin is the subscriber itself,
// unless the origin is the server sentinel. Disconnect signals invert the
// rule: they are delivered exactly to the connection they name, since the
// self-exclusion filter would otherwise suppress the one delivery that
// matters.
func (m Message) DeliverableTo(id ConnID) bool {
	if m.Disconnect {
		return m.Origin.Conn == id
	}
	return m.Origin.Server || m.Origin.Conn != id
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ch      chan Message
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Lagged returns the number of messages dropped for this subscriber since the
// last call, resetting the counter.
func (s *Subscription) Lagged() uint64 {
	return s.dropped.Swap(0)
}

// Bus is a multi-producer fan-out channel. Delivery is best-effort,
// at-most-once per subscriber: publishing never blocks, and a full subscriber
// backlog sheds its oldest message to make room.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber and returns its subscription plus a
// cancel function. Subscribing after bus close returns an already-closed
// subscription.
func (b *Bus) Subscribe() (*Subscription, func()) {
	sub := &Subscription{ch: make(chan Message, busCapacity)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub, cancel
}

// Publish fans msg out to every subscriber without blocking. When a
// subscriber's backlog is full, its oldest undelivered message is dropped and
// the subscriber's lag counter is bumped.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
			continue
		default:
		}

		// Backlog full: shed the oldest message and retry once. Concurrent
		// publishers may race here; losing the race just drops one more
		// message, which at-most-once delivery permits.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close shuts the bus down, closing every subscriber channel.
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
