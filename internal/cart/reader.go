package cart

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

// store is the slice of the redis client the cart needs.
type store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
	RPush(ctx context.Context, key string, values ...any) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value any) error
	CartKey(customerID string) string
	CartSeqKey(customerID string) string
}

// Item is one cart entry: a SKU and how many of it.
type Item struct {
	SKUID uuid.UUID
	Count int
}

// Snapshot is a point-in-time read of a customer's cart. Items come back in
// insertion order when the sequence list is intact; OrderPreserved reports
// whether that held.
type Snapshot struct {
	Items          []Item
	OrderPreserved bool
}

// IsEmpty reports whether the snapshot holds no items.
func (s Snapshot) IsEmpty() bool {
	return len(s.Items) == 0
}

// SKUIDs returns the item ids in snapshot order.
func (s Snapshot) SKUIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.SKUID)
	}
	return ids
}

// Service reads and mutates the redis-backed cart.
type Service interface {
	Add(ctx context.Context, customerID uuid.UUID, skuID uuid.UUID, count int) error
	Remove(ctx context.Context, customerID uuid.UUID, skuID uuid.UUID) error
	ReadOrdered(ctx context.Context, customerID uuid.UUID) (Snapshot, error)
	Clear(ctx context.Context, customerID uuid.UUID, skuIDs []uuid.UUID) error
}

type service struct {
	store store
	logg  *logger.Logger
}

// NewService builds the cart service.
func NewService(st store, logg *logger.Logger) (Service, error) {
	if st == nil {
		return nil, fmt.Errorf("cart store required")
	}
	return &service{store: st, logg: logg}, nil
}

// Add increments the count for a SKU, appending it to the sequence list the
// first time it shows up.
func (s *service) Add(ctx context.Context, customerID uuid.UUID, skuID uuid.UUID, count int) error {
	if customerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}
	if skuID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "sku id required")
	}
	if count <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "count must be positive")
	}

	key := s.store.CartKey(customerID.String())
	total, err := s.store.HIncrBy(ctx, key, skuID.String(), int64(count))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "adding cart item")
	}
	if total == int64(count) {
		// first occurrence of this SKU in the cart
		if err := s.store.RPush(ctx, s.store.CartSeqKey(customerID.String()), skuID.String()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "recording cart order")
		}
	}
	return nil
}

// Remove drops a SKU from the cart entirely.
func (s *service) Remove(ctx context.Context, customerID uuid.UUID, skuID uuid.UUID) error {
	if customerID == uuid.Nil || skuID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id and sku id required")
	}
	field := skuID.String()
	if err := s.store.HDel(ctx, s.store.CartKey(customerID.String()), field); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "removing cart item")
	}
	if err := s.store.LRem(ctx, s.store.CartSeqKey(customerID.String()), 0, field); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "trimming cart order")
	}
	return nil
}

// ReadOrdered loads the cart hash and lines items up by the sequence list.
// When the list no longer covers the hash (entries lost or never written),
// the snapshot falls back to sorted ids so reads stay deterministic.
func (s *service) ReadOrdered(ctx context.Context, customerID uuid.UUID) (Snapshot, error) {
	if customerID == uuid.Nil {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}

	counts, err := s.store.HGetAll(ctx, s.store.CartKey(customerID.String()))
	if err != nil {
		return Snapshot{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading cart")
	}
	if len(counts) == 0 {
		return Snapshot{OrderPreserved: true}, nil
	}

	parsed := make(map[string]int, len(counts))
	for field, raw := range counts {
		count, convErr := strconv.Atoi(raw)
		if convErr != nil || count <= 0 {
			return Snapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "malformed cart entry").
				WithDetails(map[string]any{"sku_id": field, "count": raw})
		}
		parsed[field] = count
	}

	seq, err := s.store.LRange(ctx, s.store.CartSeqKey(customerID.String()), 0, -1)
	if err != nil {
		return Snapshot{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading cart order")
	}

	snapshot := Snapshot{OrderPreserved: true}
	taken := make(map[string]struct{}, len(parsed))
	for _, field := range seq {
		count, ok := parsed[field]
		if !ok {
			continue
		}
		if _, dup := taken[field]; dup {
			continue
		}
		taken[field] = struct{}{}
		item, convErr := toItem(field, count)
		if convErr != nil {
			return Snapshot{}, convErr
		}
		snapshot.Items = append(snapshot.Items, item)
	}

	if len(taken) != len(parsed) {
		// sequence list is incomplete; rebuild deterministically
		if s.logg != nil {
			s.logg.Warn(ctx, "cart sequence incomplete, falling back to sorted ids")
		}
		fields := make([]string, 0, len(parsed))
		for field := range parsed {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		snapshot = Snapshot{OrderPreserved: false}
		for _, field := range fields {
			item, convErr := toItem(field, parsed[field])
			if convErr != nil {
				return Snapshot{}, convErr
			}
			snapshot.Items = append(snapshot.Items, item)
		}
	}

	return snapshot, nil
}

// Clear removes only the processed SKUs, leaving anything added mid-checkout.
func (s *service) Clear(ctx context.Context, customerID uuid.UUID, skuIDs []uuid.UUID) error {
	if customerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}
	if len(skuIDs) == 0 {
		return nil
	}

	fields := make([]string, 0, len(skuIDs))
	for _, id := range skuIDs {
		fields = append(fields, id.String())
	}

	if err := s.store.HDel(ctx, s.store.CartKey(customerID.String()), fields...); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clearing cart")
	}
	seqKey := s.store.CartSeqKey(customerID.String())
	for _, field := range fields {
		if err := s.store.LRem(ctx, seqKey, 0, field); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clearing cart order")
		}
	}
	return nil
}

func toItem(field string, count int) (Item, error) {
	id, err := uuid.Parse(field)
	if err != nil {
		return Item{}, pkgerrors.New(pkgerrors.CodeValidation, "malformed cart entry").
			WithDetails(map[string]any{"sku_id": field})
	}
	return Item{SKUID: id, Count: count}, nil
}
