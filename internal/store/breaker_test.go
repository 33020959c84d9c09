package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/delivery-core/internal/domain/model"
)

type failingStore struct {
	err error
}

func (f *failingStore) Append(ctx context.Context, in *model.InboundMessage) (*model.PersistedMessage, error) {
	return nil, f.err
}

func (f *failingStore) FindMemberships(ctx context.Context, userID int64) ([]int64, error) {
	return nil, f.err
}

func (f *failingStore) IsMember(ctx context.Context, userID, chatID int64) (bool, error) {
	return false, f.err
}

func TestBreakerStore_TripsAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("boom")
	b := NewBreakerStore(&failingStore{err: boom}, BreakerConfig{MaxFailures: 2, OpenDuration: 0})

	ctx := context.Background()
	_, err := b.IsMember(ctx, 1, 1)
	require.Error(t, err)
	_, err = b.IsMember(ctx, 1, 1)
	require.Error(t, err)

	// breaker is now open: further calls fail fast without touching the
	// underlying store.
	_, err = b.IsMember(ctx, 1, 1)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerStore_PassesThroughOnSuccess(t *testing.T) {
	mem := NewMemStore()
	mem.Seed(1, 7)
	b := NewBreakerStore(mem, DefaultBreakerConfig())

	member, err := b.IsMember(context.Background(), 1, 7)
	require.NoError(t, err)
	require.True(t, member)
}
