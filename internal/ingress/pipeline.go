// Package ingress implements the inbound message pipeline: decode,
// validate, authorize, publish, persist. Grounded on the teacher's
// internal/service/delivery.go, which runs the same
// validate-then-enrich-then-dispatch shape for its own inbound path,
// generalized here to the six-step ordering the spec's ingress contract
// requires.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/protocol"
	"github.com/chatrelay/delivery-core/internal/store"
)

// Rejection is returned for every user-triggerable failure (steps
// 1-4). It always carries a short, human-readable reason meant to be
// shipped back to the sender as an Error control signal — never a
// disconnect.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(reason string) *Rejection { return &Rejection{Reason: reason} }

// Pipeline runs one connection's inbound frames through the six-step
// ingress contract. One Pipeline is owned by exactly one connection
// because the membership oracle's cache is connection-scoped.
type Pipeline struct {
	authUserID int64
	broadcast  registry.Broadcaster
	store      store.Store
	oracle     *membershipOracle
	log        *slog.Logger
}

// New builds a pipeline bound to authUserID, the authenticated identity
// of the connection this pipeline serves.
func New(authUserID int64, broadcast registry.Broadcaster, st store.Store, log *slog.Logger) *Pipeline {
	return &Pipeline{
		authUserID: authUserID,
		broadcast:  broadcast,
		store:      st,
		oracle:     newMembershipOracle(authUserID, st),
		log:        log,
	}
}

// WarmMembership primes the membership cache for every chat the writer
// just subscribed to at startup, so the first message the user sends
// into any of those chats does not pay for a synchronous store round
// trip. The chats all came straight out of FindMemberships, so each
// lookup is independent and safe to run concurrently — grounded on the
// same errgroup-joined parallel-lookup shape the teacher uses to
// resolve peers.
func (p *Pipeline) WarmMembership(ctx context.Context, chatIDs []int64) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, chatID := range chatIDs {
		chatID := chatID
		g.Go(func() error {
			_, err := p.oracle.IsMember(ctx, chatID)
			return err
		})
	}
	return g.Wait()
}

// InvalidateMembership drops any cached membership verdict for chatID.
// The connection actor calls this on every AddChat/RemoveChat control
// signal it processes, per §4.4 step 4.
func (p *Pipeline) InvalidateMembership(chatID int64) {
	p.oracle.Invalidate(chatID)
}

// Process runs raw through decode, validation, anti-spoofing,
// authorization, publish and persist, in that order. A *Rejection
// return means the frame was the sender's fault and the caller should
// emit an Error signal without tearing down the connection. Any other
// non-nil error is a transient or internal failure (step 6's store
// call failing, most commonly) and is also reported as an Error signal
// to the sender per §7.3, again without disconnecting — store
// unavailability alone is not fatal to the connection.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*model.PersistedMessage, error) {
	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		return nil, reject("malformed message")
	}

	if in.Kind != model.UserMessage {
		return nil, reject("client may not send system messages")
	}
	if err := protocol.ValidateContentLength(in.Content); err != nil {
		return nil, reject("malformed message")
	}

	if in.SenderID != p.authUserID {
		p.log.Warn("INGRESS_SPOOF_ATTEMPT", "authenticated_user", p.authUserID, "claimed_sender", in.SenderID)
		return nil, reject("sender does not match authenticated user")
	}

	member, err := p.oracle.IsMember(ctx, in.ChatID)
	if err != nil {
		return nil, fmt.Errorf("ingress: membership check: %w", err)
	}
	if !member {
		return nil, reject("not a member")
	}

	handle := registry.NewShared(&model.PersistedMessage{
		ChatID:    in.ChatID,
		SenderID:  &in.SenderID,
		Content:   in.Content,
		Kind:      in.Kind,
		CreatedAt: in.CreatedAt,
	})
	p.broadcast.Publish(in.ChatID, handle)

	persisted, err := p.store.Append(ctx, in)
	if err != nil {
		p.log.Error("INGRESS_PERSIST_FAILED", "chat_id", in.ChatID, "error", err)
		return nil, fmt.Errorf("ingress: persist: %w", err)
	}
	return persisted, nil
}

// IsRejection reports whether err is a user-caused rejection rather
// than an internal/transient failure.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}
