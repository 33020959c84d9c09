// Package store defines the durable-storage contract the ingress
// pipeline depends on and a stdlib-only in-memory implementation. The
// SQL store itself is an external collaborator — the surrounding system
// owns the relational schema — so this package exists only to give the
// core something to compile and test against, the same role the
// teacher's own repo leaves to infra/ adapters it never implements for
// this contract.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatrelay/delivery-core/internal/domain/model"
)

// ErrUnavailable is returned when the store cannot service a call —
// pool exhaustion, acquisition timeout, a failed query. The ingress
// pipeline maps this to a transient-error Error signal (§7.3 case 3).
var ErrUnavailable = errors.New("store: unavailable")

// Store is the message-store contract consumed by the ingress pipeline,
// per the three operations the core actually calls.
type Store interface {
	// Append durably records an inbound message and assigns it a
	// server-authoritative id and created-at. Idempotency and
	// duplicate tolerance are not required; the pipeline never retries.
	Append(ctx context.Context, in *model.InboundMessage) (*model.PersistedMessage, error)

	// FindMemberships returns the chat ids userID currently belongs to.
	// Called once per writer start.
	FindMemberships(ctx context.Context, userID int64) ([]int64, error)

	// IsMember reports whether userID has an active membership row for
	// chatID. Called per inbound message unless the caller caches it.
	IsMember(ctx context.Context, userID, chatID int64) (bool, error)
}

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store used for tests and for running the
// core without a real relational backend wired in. It is intentionally
// unambitious: one mutex, a message slice, a membership map, no indexes.
type MemStore struct {
	mu sync.Mutex

	nextID      int64
	messages    []*model.PersistedMessage
	memberships map[int64]map[int64]struct{} // userID -> set of chatID
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{memberships: make(map[int64]map[int64]struct{})}
}

// Seed registers userID as a member of chatID, for test setup and for
// bootstrapping a standalone run. It is not part of the Store
// interface — membership writes belong to the REST CRUD surface the
// core does not own.
func (s *MemStore) Seed(userID, chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.memberships[userID]
	if !ok {
		set = make(map[int64]struct{})
		s.memberships[userID] = set
	}
	set[chatID] = struct{}{}
}

// Append implements Store.
func (s *MemStore) Append(ctx context.Context, in *model.InboundMessage) (*model.PersistedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	var sender *int64
	if in.Kind == model.UserMessage {
		id := in.SenderID
		sender = &id
	}

	msg := &model.PersistedMessage{
		ID:        s.nextID,
		ChatID:    in.ChatID,
		SenderID:  sender,
		Content:   in.Content,
		Kind:      in.Kind,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// FindMemberships implements Store.
func (s *MemStore) FindMemberships(ctx context.Context, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.memberships[userID]
	if !ok {
		return nil, nil
	}
	out := make([]int64, 0, len(set))
	for chatID := range set {
		out = append(out, chatID)
	}
	return out, nil
}

// IsMember implements Store.
func (s *MemStore) IsMember(ctx context.Context, userID, chatID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.memberships[userID]
	if !ok {
		return false, nil
	}
	_, member := set[chatID]
	return member, nil
}

// FindByChat returns every persisted message for chatID, in append
// order. It backs the L1 round-trip law in tests; the core itself
// never calls it, the REST re-fetch surface that would is external.
func (s *MemStore) FindByChat(chatID int64) []*model.PersistedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.PersistedMessage
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}
