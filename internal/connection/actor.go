// Package connection implements the ConnectionActor: the lifecycle of
// one authenticated session, split into a serial reader task and a
// writer task (the EgressBatcher) joined by an internal control
// channel. Grounded on the teacher's registry.Bind/registry.Connector
// pair in internal/domain/registry/connect.go, which drives the same
// reader/writer-plus-control-channel shape around a gorilla websocket
// connection.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/delivery-core/internal/config"
	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/ingress"
	"github.com/chatrelay/delivery-core/internal/store"
)

// Socket is the transport surface the actor needs from a live
// connection. gorilla's *websocket.Conn satisfies it directly; tests
// substitute a fake.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// Actor owns one authenticated session end to end.
type Actor struct {
	socket Socket
	userID int64
	sinkID uuid.UUID

	presence  *registry.Presence
	broadcast *registry.Broadcast
	store     store.Store
	pipeline  *ingress.Pipeline

	tunables config.Tunables
	log      *slog.Logger

	sink *registry.Sink
}

// New constructs an actor for one freshly-upgraded socket. userID is
// the identity the authentication collaborator already validated
// before the core was ever reached.
func New(socket Socket, userID int64, presence *registry.Presence, broadcast *registry.Broadcast, st store.Store, tunables config.Tunables, log *slog.Logger) *Actor {
	return &Actor{
		socket:    socket,
		userID:    userID,
		sinkID:    uuid.New(),
		presence:  presence,
		broadcast: broadcast,
		store:     st,
		pipeline:  ingress.New(userID, broadcast, st, log),
		tunables:  tunables,
		log:       log,
	}
}

// Start registers the connection with the PresenceRegistry, spawns the
// reader and writer tasks, and blocks until both have exited — "spawn
// and return" in the spec is relaxed to "spawn and join" here because
// Start is itself expected to run in its own goroutine (one per
// accepted socket), matching how the teacher's HTTP handler hands a
// websocket connection off to Bind and blocks on it for the lifetime
// of the request.
func (a *Actor) Start(ctx context.Context) {
	sink := registry.NewSink(a.sinkID)
	a.sink = sink
	a.presence.Register(a.userID, sink)
	a.log.Info("CONNECTION_REGISTERED", "user_id", a.userID, "sink_id", a.sinkID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer a.recoverLoop("reader")
		a.readLoop(ctx, sink)
	}()

	go func() {
		defer wg.Done()
		defer a.recoverLoop("writer")
		defer a.onWriterExit(cancel)
		a.writeLoop(ctx)
	}()

	wg.Wait()

	a.log.Info("CONNECTION_CLOSED", "user_id", a.userID, "sink_id", a.sinkID)
}

// onWriterExit runs the instant the writer task returns, for any reason —
// a clean Shutdown, the §7.5 startup-query failure, or a recovered panic.
// The writer is the sole consumer of this connection's control sink and
// its only source of outbound frames, so once it is gone the connection
// is dead per P1 even though the reader may still be blocked in
// ReadMessage. Unregistering and closing here, rather than waiting for
// wg.Wait() to join both tasks, keeps the PresenceRegistry entry's
// lifetime exactly "exists iff the writer hasn't exited" and unblocks the
// reader immediately instead of leaving it parked for up to IdleTimeout.
func (a *Actor) onWriterExit(cancel context.CancelFunc) {
	a.presence.Unregister(a.userID, a.sinkID)
	a.sink.Close()
	cancel()
	_ = a.socket.Close()
	a.log.Info("CONNECTION_UNREGISTERED", "user_id", a.userID, "sink_id", a.sinkID)
}

// recoverLoop matches the teacher's Bind pattern: a panic inside either
// task is logged and contained to this one connection rather than taking
// down the process. sink.Push best-effort-nudges the other task to unwind
// too, since nothing else will tell it the partner just died.
func (a *Actor) recoverLoop(task string) {
	if r := recover(); r != nil {
		a.log.Error("CONNECTION_TASK_PANIC", "user_id", a.userID, "task", task, "recovered", r)
		a.sink.Push(model.NewShutdownSignal())
	}
}
