package ingress

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chatrelay/delivery-core/internal/store"
)

// DefaultMembershipCacheSize bounds the per-connection membership cache.
// A connection rarely belongs to more than a few dozen chats, so this is
// generous headroom rather than a tuned limit.
const DefaultMembershipCacheSize = 256

// membershipOracle answers "is this user a member of this chat", caching
// per §4.4 step 4: "Implementations may cache this for the lifetime of
// the connection, invalidating on AddChat/RemoveChat control signals."
// One oracle is owned by exactly one connection; it is never shared
// across connections because invalidation is connection-scoped.
type membershipOracle struct {
	userID int64
	store  store.Store
	cache  *lru.Cache[int64, bool]
}

// newMembershipOracle builds a cache-backed oracle for userID.
func newMembershipOracle(userID int64, st store.Store) *membershipOracle {
	cache, _ := lru.New[int64, bool](DefaultMembershipCacheSize)
	return &membershipOracle{userID: userID, store: st, cache: cache}
}

// IsMember consults the cache before falling through to the store.
func (o *membershipOracle) IsMember(ctx context.Context, chatID int64) (bool, error) {
	if v, ok := o.cache.Get(chatID); ok {
		return v, nil
	}
	member, err := o.store.IsMember(ctx, o.userID, chatID)
	if err != nil {
		return false, err
	}
	o.cache.Add(chatID, member)
	return member, nil
}

// Invalidate drops any cached verdict for chatID. Called on AddChat and
// RemoveChat control signals — the connection's prior membership
// knowledge for that chat is no longer trustworthy either way.
func (o *membershipOracle) Invalidate(chatID int64) {
	o.cache.Remove(chatID)
}
