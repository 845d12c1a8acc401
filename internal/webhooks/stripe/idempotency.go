package stripewebhook

import (
	"context"
	"time"

	"github.com/marumoto/storefront-backend/pkg/redis"
)

const (
	idempotencyScope = "stripe-webhook"
	idempotencyTTL   = 24 * time.Hour
)

// Guard deduplicates webhook deliveries with a short-lived SETNX marker.
// Stripe retries events at-least-once; the payment status check inside the
// fulfillment transaction remains the real idempotency barrier.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewGuard builds a delivery guard over the provided store.
func NewGuard(store redis.IdempotencyStore) *Guard {
	return &Guard{store: store, ttl: idempotencyTTL}
}

// CheckAndMark claims the event id. It returns false when another delivery
// already claimed it.
func (g *Guard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	key := g.store.IdempotencyKey(idempotencyScope, eventID)
	return g.store.SetNX(ctx, key, "1", g.ttl)
}

// Release drops the claim so a failed delivery can be retried.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	return g.store.Del(ctx, g.store.IdempotencyKey(idempotencyScope, eventID))
}
