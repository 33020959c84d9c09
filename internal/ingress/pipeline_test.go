package ingress

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func frame(chatID, senderID int64, content string) []byte {
	return []byte(`{"chat_id":` + strconv.FormatInt(chatID, 10) + `,"sender_id":` + strconv.FormatInt(senderID, 10) + `,"content":"` + content + `","message_type":"UserMessage"}`)
}

func TestPipeline_HappyPath(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	recv := bc.Subscribe(7)

	p := New(1, bc, mem, discardLogger())
	persisted, err := p.Process(context.Background(), frame(7, 1, "hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", persisted.Content)
	require.NotZero(t, persisted.ID)

	select {
	case shared := <-recv.Recv():
		require.Equal(t, "hi", shared.Msg.Content)
	default:
		t.Fatal("expected the message to be published before return")
	}

	require.Len(t, mem.FindByChat(7), 1)
}

func TestPipeline_RejectsMalformedFrame(t *testing.T) {
	mem := store.NewMemStore()
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	_, err := p.Process(context.Background(), []byte(`not json`))
	require.Error(t, err)
	require.True(t, IsRejection(err))
}

func TestPipeline_RejectsSystemMessageFromClient(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	raw := []byte(`{"chat_id":7,"sender_id":1,"content":"hi","message_type":"SystemMessage"}`)
	_, err := p.Process(context.Background(), raw)
	require.Error(t, err)
	require.True(t, IsRejection(err))
}

func TestPipeline_RejectsContentOutOfBounds(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	_, err := p.Process(context.Background(), frame(7, 1, ""))
	require.Error(t, err)
	require.True(t, IsRejection(err))
}

func TestPipeline_RejectsSpoofedSender(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	_, err := p.Process(context.Background(), frame(7, 2, "hi"))
	require.Error(t, err)
	require.True(t, IsRejection(err))
}

func TestPipeline_RejectsNonMember(t *testing.T) {
	mem := store.NewMemStore()
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	_, err := p.Process(context.Background(), frame(99, 1, "hi"))
	require.Error(t, err)
	require.True(t, IsRejection(err))
	require.Empty(t, mem.FindByChat(99))
}

func TestPipeline_PublishHappensEvenWithoutSubscribers(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	_, err := p.Process(context.Background(), frame(7, 1, "hi"))
	require.NoError(t, err)
	require.Len(t, mem.FindByChat(7), 1, "persistence is unaffected by publish having zero subscribers")
}

func TestPipeline_MembershipCacheInvalidation(t *testing.T) {
	mem := store.NewMemStore()
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	_, err := p.Process(context.Background(), frame(7, 1, "hi"))
	require.Error(t, err, "not a member yet")

	mem.Seed(1, 7)
	// cache still says "not a member" until invalidated, even though the
	// store now disagrees.
	_, err = p.Process(context.Background(), frame(7, 1, "hi"))
	require.Error(t, err)

	p.InvalidateMembership(7)
	_, err = p.Process(context.Background(), frame(7, 1, "hi"))
	require.NoError(t, err)
}

func TestPipeline_WarmMembership(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed(1, 7)
	mem.Seed(1, 8)
	bc := registry.NewBroadcast(registry.DefaultBusCapacity)
	p := New(1, bc, mem, discardLogger())

	err := p.WarmMembership(context.Background(), []int64{7, 8})
	require.NoError(t, err)

	member, err := p.oracle.IsMember(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, member)
}
