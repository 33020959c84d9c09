// Package registry holds the two process-wide, read-dominant concurrent
// maps the delivery core is built around: PresenceRegistry (user identity
// -> control sink) and BroadcastRegistry (chat identity -> fanout bus).
// Both are in the hot path of every inbound message and every outbound
// frame, so both are built on sync.Map rather than a single mutex —
// lookups on distinct keys must never serialize against each other.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/google/uuid"
)

// controlSignalBuffer sizes each connection's internal control channel.
// Control signals are rare (chat membership changes, invitations, the
// connection's own shutdown) and must never be dropped — losing a
// RemoveChat would leave a connection subscribed to a chat it no longer
// belongs to — so this is sized generously rather than tuned tight.
const controlSignalBuffer = 256

// Sink is the control-signal endpoint of a single live connection. A user
// with N concurrent devices has N sinks registered under the same user
// identity.
type Sink struct {
	id     uuid.UUID
	ch     chan model.ControlSignal
	closed atomic.Bool
}

// NewSink allocates a fresh control channel for one connection.
func NewSink(id uuid.UUID) *Sink {
	return &Sink{id: id, ch: make(chan model.ControlSignal, controlSignalBuffer)}
}

func (s *Sink) ID() uuid.UUID { return s.id }

// Recv exposes the receive side for the connection's writer loop.
func (s *Sink) Recv() <-chan model.ControlSignal { return s.ch }

// Push lets the owning connection place a signal on its own sink —
// used for the self-directed Shutdown signal the reader emits on
// close/timeout/error, per §4.3's teardown step. Business code never
// calls this directly; it goes through Presence.Signal instead.
func (s *Sink) Push(sig model.ControlSignal) bool { return s.send(sig) }

// Close lets the owning connection close its own sink once its writer
// has exited for good, so any later Presence.Signal call finds a dead
// channel rather than leaking a goroutine-less receiver.
func (s *Sink) Close() { s.close() }

// send is unexported: the registry and the owning connection (through
// Push) are the only callers. A full buffer
// and a closed channel are both reported as a failed delivery that never
// panics the sender, but isClosed lets callers tell the two apart — a
// full sink may succeed on the next try, a closed one never will.
func (s *Sink) send(sig model.ControlSignal) bool {
	if s.closed.Load() {
		return false
	}
	defer func() { recover() }() // guards a send racing a concurrent close
	select {
	case s.ch <- sig:
		return true
	default:
		return false
	}
}

// isClosed reports whether this sink has been torn down, so PresenceRegistry
// can opportunistically drop it from its fan-out set per §4.1 rather than
// keep retrying a connection that is never coming back.
func (s *Sink) isClosed() bool { return s.closed.Load() }

// close marks the sink dead and closes its channel. It runs once the
// owning writer has already exited; later sends see the closed flag and
// fail without panicking.
func (s *Sink) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.ch)
}

// userEntry is the per-user fan-out record: a striped, copy-on-write-free
// set of sinks guarded by its own mutex so distinct users never contend.
type userEntry struct {
	mu    sync.RWMutex
	sinks map[uuid.UUID]*Sink
}

func newUserEntry() *userEntry {
	return &userEntry{sinks: make(map[uuid.UUID]*Sink)}
}

func (e *userEntry) add(s *Sink) {
	e.mu.Lock()
	e.sinks[s.id] = s
	e.mu.Unlock()
}

// remove deletes sink and reports whether the entry is now empty, so the
// caller can decide whether to reap it from the top-level map.
func (e *userEntry) remove(sinkID uuid.UUID) (empty bool) {
	e.mu.Lock()
	delete(e.sinks, sinkID)
	empty = len(e.sinks) == 0
	e.mu.Unlock()
	return empty
}

// signal fans sig out to every live sink of this user, opportunistically
// dropping any sink it finds already closed — per §4.1, a stale sink
// should not linger in the fan-out set just because nothing has called
// Unregister for it yet. It returns the delivered count and whether the
// entry is now empty, so PresenceRegistry.Signal can report delivery and
// reap the entry in the same pass Unregister would.
func (e *userEntry) signal(sig model.ControlSignal) (delivered int, empty bool) {
	e.mu.RLock()
	var stale []uuid.UUID
	for id, s := range e.sinks {
		if s.send(sig) {
			delivered++
		} else if s.isClosed() {
			stale = append(stale, id)
		}
	}
	e.mu.RUnlock()

	if len(stale) == 0 {
		return delivered, false
	}

	e.mu.Lock()
	for _, id := range stale {
		delete(e.sinks, id)
	}
	empty = len(e.sinks) == 0
	e.mu.Unlock()
	return delivered, empty
}

// Presencer is the contract business services depend on to push
// server-initiated control events to a user without knowing anything
// about sockets, chats or connection lifecycles.
type Presencer interface {
	Register(userID int64, sink *Sink)
	Unregister(userID int64, sinkID uuid.UUID)
	Signal(userID int64, sig model.ControlSignal) bool
	IsOnline(userID int64) bool
}

var _ Presencer = (*Presence)(nil)

// Presence maps user identity to the control sink(s) of that user's live
// connections. It is purely a routing index: it never owns a socket and
// never knows which chats a user subscribes to.
type Presence struct {
	users sync.Map // int64 -> *userEntry
}

// NewPresence returns an empty presence registry.
func NewPresence() *Presence {
	return &Presence{}
}

// Register attaches sink to userID, lazily creating the user's entry.
func (p *Presence) Register(userID int64, sink *Sink) {
	val, _ := p.users.LoadOrStore(userID, newUserEntry())
	val.(*userEntry).add(sink)
}

// Unregister detaches sink from userID. If that was the user's last
// sink, the user entry is removed so IsOnline/Signal stop finding it —
// this is the P1 invariant: a user has a presence entry iff at least one
// of its connections' writers hasn't exited yet.
func (p *Presence) Unregister(userID int64, sinkID uuid.UUID) {
	val, ok := p.users.Load(userID)
	if !ok {
		return
	}
	entry := val.(*userEntry)
	if entry.remove(sinkID) {
		p.users.Delete(userID)
	}
}

// Signal delivers sig to every live connection of userID. It never
// blocks and never panics: a sink whose receiver has already gone away
// is treated exactly as if the user had no entry at all. The boolean
// return reports whether at least one sink accepted the signal.
func (p *Presence) Signal(userID int64, sig model.ControlSignal) bool {
	val, ok := p.users.Load(userID)
	if !ok {
		return false
	}
	entry := val.(*userEntry)
	delivered, empty := entry.signal(sig)
	if empty {
		p.users.CompareAndDelete(userID, entry)
	}
	return delivered > 0
}

// IsOnline reports whether userID currently has at least one live
// connection registered.
func (p *Presence) IsOnline(userID int64) bool {
	_, ok := p.users.Load(userID)
	return ok
}
