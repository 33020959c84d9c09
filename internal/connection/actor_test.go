package connection

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/delivery-core/internal/config"
	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/store"
)

// fakeSocket is an in-memory stand-in for a websocket connection: reads
// come off a channel the test feeds, writes are captured for assertion.
type fakeSocket struct {
	in chan []byte

	mu  sync.Mutex
	out [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, msg, nil
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.out...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastTunables() config.Tunables {
	return config.Tunables{
		RateLimitInterval:   time.Millisecond,
		IdleTimeout:         time.Minute,
		BusCapacity:         registry.DefaultBusCapacity,
		BatchMaxSize:        10,
		BatchInterval:       20 * time.Millisecond,
		StoreAcquireTimeout: time.Second,
	}
}

func TestActor_HappyPathDeliversWithinOneBatchInterval(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	presence := registry.NewPresence()
	broadcast := registry.NewBroadcast(registry.DefaultBusCapacity)

	sender := newFakeSocket()
	senderActor := New(sender, 1, presence, broadcast, mem, fastTunables(), discardLogger())

	receiver := newFakeSocket()
	receiverActor := New(receiver, 1, presence, broadcast, mem, fastTunables(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); senderActor.Start(ctx) }()
	go func() { defer wg.Done(); receiverActor.Start(ctx) }()

	// give the writer tasks time to subscribe before publishing.
	time.Sleep(10 * time.Millisecond)

	sender.in <- []byte(`{"chat_id":7,"sender_id":1,"content":"hi","message_type":"UserMessage"}`)

	require.Eventually(t, func() bool {
		return len(receiver.writes()) > 0
	}, time.Second, 5*time.Millisecond)

	var batch []map[string]any
	require.NoError(t, json.Unmarshal(receiver.writes()[0], &batch))
	require.Len(t, batch, 1)
	require.Equal(t, "hi", batch[0]["content"])

	close(sender.in)
	close(receiver.in)
	cancel()
	wg.Wait()

	require.False(t, presence.IsOnline(1), "both sinks for user 1 are gone after teardown")
}

func TestActor_RejectsNonMemberWithErrorFrame(t *testing.T) {
	mem := store.NewMemStore()
	presence := registry.NewPresence()
	broadcast := registry.NewBroadcast(registry.DefaultBusCapacity)

	socket := newFakeSocket()
	actor := New(socket, 1, presence, broadcast, mem, fastTunables(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { actor.Start(ctx); close(done) }()

	socket.in <- []byte(`{"chat_id":99,"sender_id":1,"content":"hi","message_type":"UserMessage"}`)

	require.Eventually(t, func() bool {
		return len(socket.writes()) > 0
	}, time.Second, 5*time.Millisecond)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(socket.writes()[0], &frame))
	require.Equal(t, "not a member", frame["Error"])

	close(socket.in)
	cancel()
	<-done
}

func TestActor_AddChatSignalStartsFanout(t *testing.T) {
	mem := store.NewMemStore()
	presence := registry.NewPresence()
	broadcast := registry.NewBroadcast(registry.DefaultBusCapacity)

	socket := newFakeSocket()
	actor := New(socket, 5, presence, broadcast, mem, fastTunables(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { actor.Start(ctx); close(done) }()

	time.Sleep(10 * time.Millisecond)
	require.True(t, presence.IsOnline(5))
	delivered := presence.Signal(5, model.NewAddChatSignal(7))
	require.True(t, delivered)

	require.Eventually(t, func() bool {
		return len(socket.writes()) > 0
	}, time.Second, 5*time.Millisecond)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(socket.writes()[0], &frame))
	require.EqualValues(t, 7, frame["AddChat"])
	require.True(t, broadcast.IsActive(7))

	close(socket.in)
	cancel()
	<-done
}
