package registry

import (
	"sync"

	"github.com/chatrelay/delivery-core/internal/domain/model"
)

// DefaultBusCapacity is the design-default buffered-items-per-bus value
// from the spec's tunable surface (bus_capacity).
const DefaultBusCapacity = 100

// Shared is the reference-counted handle a message payload is wrapped in
// before it crosses the broadcast bus, so N subscribers share one
// allocation instead of copying Content N times.
type Shared struct {
	Msg *model.PersistedMessage
}

// NewShared wraps msg for fan-out. Callers pass the *Shared around by
// pointer; cloning it is just copying a pointer.
func NewShared(msg *model.PersistedMessage) *Shared {
	return &Shared{Msg: msg}
}

// Receiver is what BroadcastRegistry.Subscribe hands back: a read-only
// view of one chat's bus. Its channel is closed when the bus drops it for
// lagging or on Unsubscribe; there is no separate lag signal, so the two
// look the same to a consumer.
type Receiver struct {
	bus *bus
	ch  chan *Shared
}

// Recv exposes the channel for use in a select statement.
func (r *Receiver) Recv() <-chan *Shared { return r.ch }

// Unsubscribe detaches this receiver from its bus. Safe to call multiple
// times; safe to call even after the bus has already been reaped.
func (r *Receiver) Unsubscribe() {
	r.bus.unsubscribe(r)
}

// bus is the fanout channel for one chat: bounded capacity, multiple
// producers (any connection's ingress pipeline may publish), multiple
// consumers (every connected member's writer). It stays registered until
// a publish finds it without subscribers.
type bus struct {
	chatID   int64
	capacity int

	mu   sync.Mutex
	subs map[*Receiver]struct{}
}

func newBus(chatID int64, capacity int) *bus {
	return &bus{chatID: chatID, capacity: capacity, subs: make(map[*Receiver]struct{})}
}

func (b *bus) subscribe() *Receiver {
	r := &Receiver{bus: b, ch: make(chan *Shared, b.capacity)}
	b.mu.Lock()
	b.subs[r] = struct{}{}
	b.mu.Unlock()
	return r
}

func (b *bus) unsubscribe(r *Receiver) {
	b.mu.Lock()
	_, ok := b.subs[r]
	delete(b.subs, r)
	b.mu.Unlock()
	if ok {
		close(r.ch)
	}
}

// publish fans msg out to every currently-subscribed receiver. A
// receiver whose channel is full is lagging: per spec it must not block
// the publisher and must not tear down the connection, so it is simply
// dropped from the bus — the connection's writer will observe its
// channel close and resubscribe is not attempted here, the caller (the
// ingress pipeline) has no further role. It returns the number of
// receivers the message was handed to; lagging receivers dropped during
// this publish are not counted.
func (b *bus) publish(msg *Shared) (delivered int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for r := range b.subs {
		select {
		case r.ch <- msg:
			delivered++
		default:
			// [LAG] slow subscriber: drop it from the bus, not the connection.
			delete(b.subs, r)
			close(r.ch)
		}
	}
	return delivered
}

func (b *bus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Broadcaster is the contract the ingress pipeline and the connection's
// writer depend on.
type Broadcaster interface {
	Subscribe(chatID int64) *Receiver
	SubscribeMany(chatIDs []int64) []*Receiver
	Publish(chatID int64, msg *Shared) int
	IsActive(chatID int64) bool
}

var _ Broadcaster = (*Broadcast)(nil)

// Broadcast maps chat identity to its fanout bus. Buses are created
// lazily on first subscribe and reaped the moment a publish finds no
// live subscribers — there is deliberately no janitor goroutine sweeping
// for idle buses, the reap check is inline with the publish that would
// have needed subscribers anyway.
type Broadcast struct {
	capacity int
	buses    sync.Map // int64 -> *bus
}

// NewBroadcast returns an empty broadcast registry. capacity is the
// per-bus buffered-item bound (bus_capacity tunable); pass
// DefaultBusCapacity for the spec default.
func NewBroadcast(capacity int) *Broadcast {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &Broadcast{capacity: capacity}
}

// Subscribe returns a fresh receiver for chatID, creating the bus if this
// is the first subscriber.
func (r *Broadcast) Subscribe(chatID int64) *Receiver {
	val, _ := r.buses.LoadOrStore(chatID, newBus(chatID, r.capacity))
	return val.(*bus).subscribe()
}

// SubscribeMany is a convenience batch form of Subscribe for joining
// several chats at once. The connection writer does not use it; its
// multiplex calls Subscribe once per chat.
func (r *Broadcast) SubscribeMany(chatIDs []int64) []*Receiver {
	out := make([]*Receiver, len(chatIDs))
	for i, id := range chatIDs {
		out[i] = r.Subscribe(id)
	}
	return out
}

// Publish fans msg out on chatID's bus. If the bus has no subscribers at
// all — either it never existed or publish finds it empty — it is
// removed and Publish returns 0; the caller (the ingress pipeline) does
// nothing special, persistence is unaffected.
func (r *Broadcast) Publish(chatID int64, msg *Shared) int {
	val, ok := r.buses.Load(chatID)
	if !ok {
		return 0
	}
	b := val.(*bus)
	delivered := b.publish(msg)
	if b.subscriberCount() == 0 {
		// CompareAndDelete rather than Delete: a subscriber may have raced
		// in and been handed a *different*, freshly-created bus for this
		// chat between our Load above and here. Only remove the exact bus
		// we just published to.
		r.buses.CompareAndDelete(chatID, b)
	}
	return delivered
}

// IsActive reports whether chatID currently has a live bus with at least
// one subscriber.
func (r *Broadcast) IsActive(chatID int64) bool {
	val, ok := r.buses.Load(chatID)
	if !ok {
		return false
	}
	return val.(*bus).subscriberCount() > 0
}
