package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/delivery-core/internal/domain/model"
)

func TestBroadcast_PublishWithoutSubscribersIsHarmless(t *testing.T) {
	b := NewBroadcast(DefaultBusCapacity)
	delivered := b.Publish(7, NewShared(&model.PersistedMessage{ChatID: 7}))
	require.Equal(t, 0, delivered)
	require.False(t, b.IsActive(7))
}

func TestBroadcast_SubscribeAndPublish(t *testing.T) {
	b := NewBroadcast(DefaultBusCapacity)
	r := b.Subscribe(7)
	require.True(t, b.IsActive(7))

	msg := NewShared(&model.PersistedMessage{ChatID: 7, Content: "hi"})
	delivered := b.Publish(7, msg)
	require.Equal(t, 1, delivered)

	got := <-r.Recv()
	require.Same(t, msg, got)
}

func TestBroadcast_ReapsBusOnceEmpty(t *testing.T) {
	b := NewBroadcast(DefaultBusCapacity)
	r := b.Subscribe(7)
	r.Unsubscribe()

	delivered := b.Publish(7, NewShared(&model.PersistedMessage{ChatID: 7}))
	require.Equal(t, 0, delivered)
	require.False(t, b.IsActive(7))
}

func TestBroadcast_LaggingSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := NewBroadcast(1)
	r := b.Subscribe(7)

	b.Publish(7, NewShared(&model.PersistedMessage{ChatID: 7, Content: "1"}))
	// second publish finds the channel already full -> receiver dropped,
	// not blocked.
	b.Publish(7, NewShared(&model.PersistedMessage{ChatID: 7, Content: "2"}))

	_, ok := <-r.Recv()
	require.True(t, ok, "first buffered message still delivered")
	_, ok = <-r.Recv()
	require.False(t, ok, "channel closed after the subscriber was dropped for lagging")
}

func TestBroadcast_SubscribeManyFanoutOrder(t *testing.T) {
	b := NewBroadcast(DefaultBusCapacity)
	receivers := b.SubscribeMany([]int64{1, 2, 3})
	require.Len(t, receivers, 3)
	for i, chatID := range []int64{1, 2, 3} {
		b.Publish(chatID, NewShared(&model.PersistedMessage{ChatID: chatID}))
		got := <-receivers[i].Recv()
		require.Equal(t, chatID, got.Msg.ChatID)
	}
}

func TestBroadcast_ConcurrentSubscribePublishDoesNotOrphanNewSubscriber(t *testing.T) {
	b := NewBroadcast(DefaultBusCapacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var late *Receiver

	wg.Add(2)
	go func() {
		defer wg.Done()
		b.Publish(7, NewShared(&model.PersistedMessage{ChatID: 7}))
	}()
	go func() {
		defer wg.Done()
		r := b.Subscribe(7)
		mu.Lock()
		late = r
		mu.Unlock()
	}()
	wg.Wait()

	require.True(t, b.IsActive(7))
	b.Publish(7, NewShared(&model.PersistedMessage{ChatID: 7, Content: "after"}))

	mu.Lock()
	r := late
	mu.Unlock()

	select {
	case msg := <-r.Recv():
		if msg.Msg.Content == "" {
			// the concurrent publish may or may not reach a subscriber that
			// joined while it was in flight; when it did, read past it.
			select {
			case msg = <-r.Recv():
			default:
				t.Fatal("late subscriber never received a publish on its own bus")
			}
		}
		require.Equal(t, "after", msg.Msg.Content)
	default:
		t.Fatal("late subscriber never received a publish on its own bus")
	}
}
