package store

import (
	"context"
	"time"

	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit guarding store calls. A tripped
// breaker turns every store call into an immediate ErrUnavailable
// instead of letting callers queue up behind a backend that is already
// failing — the ingress pipeline maps that straight to the transient
// Error signal of §7.3 case 3 without waiting out the pool timeout.
type BreakerConfig struct {
	MaxFailures  uint32
	OpenDuration time.Duration
}

// DefaultBreakerConfig trips after five consecutive failures and stays
// open for the store_acquire_timeout window before trying a single
// probe call.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, OpenDuration: 2 * time.Second}
}

var _ Store = (*BreakerStore)(nil)

// BreakerStore wraps a Store with a circuit breaker, grounded on the
// same acquire-timeout-then-fail-fast posture the teacher applies
// around its outbound calls. Every method funnels through the same
// breaker, since a struggling pool affects all three operations alike.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps next with a circuit breaker configured per cfg.
func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	settings := gobreaker.Settings{
		Name:    "store",
		Timeout: cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *BreakerStore) Append(ctx context.Context, in *model.InboundMessage) (*model.PersistedMessage, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Append(ctx, in)
	})
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return res.(*model.PersistedMessage), nil
}

func (b *BreakerStore) FindMemberships(ctx context.Context, userID int64) ([]int64, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FindMemberships(ctx, userID)
	})
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return res.([]int64), nil
}

func (b *BreakerStore) IsMember(ctx context.Context, userID, chatID int64) (bool, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.IsMember(ctx, userID, chatID)
	})
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return res.(bool), nil
}

// wrapUnavailable normalizes both breaker-open and underlying-store
// errors to ErrUnavailable so callers have one error to branch on,
// while the original cause stays reachable through errors.Unwrap.
func wrapUnavailable(err error) error {
	return &unavailableErr{cause: err}
}

type unavailableErr struct {
	cause error
}

func (e *unavailableErr) Error() string { return ErrUnavailable.Error() + ": " + e.cause.Error() }

func (e *unavailableErr) Unwrap() error { return e.cause }

func (e *unavailableErr) Is(target error) bool { return target == ErrUnavailable }
