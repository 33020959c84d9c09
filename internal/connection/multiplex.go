package connection

import (
	"sync"

	"github.com/chatrelay/delivery-core/internal/domain/registry"
)

// multiplex is the writer's dynamic stream multiplex: one broadcast
// receiver per chat the connection's user currently belongs to, fanned
// into a single channel the writer's select can read from. Go's select
// only accepts a fixed set of cases, so a set that grows and shrinks at
// runtime (AddChat/RemoveChat) has to be merged through a channel
// rather than selected over directly — one forwarder goroutine per
// subscribed chat, each stoppable independently.
type multiplex struct {
	broadcast *registry.Broadcast

	mu      sync.Mutex
	stopFns map[int64]chan struct{}

	// out is shared by every forwarder goroutine and is intentionally
	// never closed: each forwarder exits independently on its own stop
	// channel or its receiver's closure (a lag-drop), and closing a
	// channel with other concurrent senders still writing to it would
	// panic them. The writer's select always reads a value, never a
	// closed-channel zero value.
	out chan *registry.Shared
}

func newMultiplex(broadcast *registry.Broadcast, chatIDs []int64) *multiplex {
	mx := &multiplex{
		broadcast: broadcast,
		stopFns:   make(map[int64]chan struct{}),
		out:       make(chan *registry.Shared),
	}
	for _, id := range chatIDs {
		mx.add(id)
	}
	return mx
}

// cases exposes the merged channel for the writer's select statement.
func (mx *multiplex) cases() <-chan *registry.Shared { return mx.out }

// add subscribes to chatID's bus and starts forwarding it into the
// merged channel. A no-op if already subscribed.
func (mx *multiplex) add(chatID int64) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	if _, ok := mx.stopFns[chatID]; ok {
		return
	}
	r := mx.broadcast.Subscribe(chatID)
	stop := make(chan struct{})
	mx.stopFns[chatID] = stop
	go func() {
		forward(r, mx.out, stop)
		// forget a chat whose receiver was dropped for lagging, so the
		// next add for it subscribes again instead of being a no-op.
		mx.mu.Lock()
		if mx.stopFns[chatID] == stop {
			delete(mx.stopFns, chatID)
		}
		mx.mu.Unlock()
	}()
}

// remove unsubscribes chatID and stops forwarding it.
func (mx *multiplex) remove(chatID int64) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	stop, ok := mx.stopFns[chatID]
	if !ok {
		return
	}
	close(stop)
	delete(mx.stopFns, chatID)
}

// closeAll stops every forwarder, used on writer exit.
func (mx *multiplex) closeAll() {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	for chatID, stop := range mx.stopFns {
		close(stop)
		delete(mx.stopFns, chatID)
	}
}

// forward drains one chat's receiver into out until either stop fires
// or the receiver's channel closes (the bus dropped it for lagging).
// It never retries a subscribe on its own — a lagged chat simply goes
// quiet for this connection until the next AddChat, matching §4.5's lag
// policy of continuing with the next available message rather than
// reconnecting the lost one.
func forward(r *registry.Receiver, out chan<- *registry.Shared, stop <-chan struct{}) {
	defer r.Unsubscribe()
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-r.Recv():
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-stop:
				return
			}
		}
	}
}
