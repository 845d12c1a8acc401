package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
)

// Ledger guards SKU stock mutations. All methods expect to run inside the
// caller's transaction so the row locks hold until checkout commits.
type Ledger interface {
	LockAndFetch(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.SKU, error)
	Decrement(ctx context.Context, tx *gorm.DB, sku *models.SKU, count int) error
	Restore(ctx context.Context, tx *gorm.DB, lines []models.OrderLine) error
}

type ledger struct{}

// NewLedger builds the stock ledger.
func NewLedger() Ledger {
	return &ledger{}
}

// LockAndFetch loads the requested SKUs in ascending id order, taking row
// locks on Postgres. The fixed ordering keeps concurrent checkouts from
// deadlocking against each other.
func (l *ledger) LockAndFetch(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.SKU, error) {
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one sku id required")
	}

	q := tx.WithContext(ctx).Where("id IN ?", ids).Order("id ASC")
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var skus []models.SKU
	if err := q.Find(&skus).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "locking skus")
	}

	if len(skus) != len(dedupe(ids)) {
		found := make(map[uuid.UUID]struct{}, len(skus))
		for _, sku := range skus {
			found[sku.ID] = struct{}{}
		}
		var missing []string
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				missing = append(missing, id.String())
			}
		}
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unknown sku in cart").
			WithDetails(map[string]any{"sku_ids": missing})
	}

	return skus, nil
}

// Decrement subtracts count from the SKU's stock. The UPDATE carries its own
// stock guard, so even without a prior row lock an oversell is impossible.
func (l *ledger) Decrement(ctx context.Context, tx *gorm.DB, sku *models.SKU, count int) error {
	if sku == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "sku required")
	}
	if count <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "count must be positive")
	}

	res := tx.WithContext(ctx).Model(&models.SKU{}).
		Where("id = ? AND stock >= ?", sku.ID, count).
		UpdateColumns(map[string]any{
			"stock": gorm.Expr("stock - ?", count),
			"sales": gorm.Expr("sales + ?", count),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "decrementing stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeUnderstocked, sku.Name+" is understocked").
			WithDetails(map[string]any{
				"sku_id":    sku.ID.String(),
				"sku_name":  sku.Name,
				"requested": count,
				"available": sku.Stock,
			})
	}
	return nil
}

// Restore returns stock for every line of a cancelled order and backs the
// sales counter out by the same amount.
func (l *ledger) Restore(ctx context.Context, tx *gorm.DB, lines []models.OrderLine) error {
	for _, line := range lines {
		res := tx.WithContext(ctx).Model(&models.SKU{}).
			Where("id = ?", line.SKUID).
			UpdateColumns(map[string]any{
				"stock": gorm.Expr("stock + ?", line.Count),
				"sales": gorm.Expr("sales - ?", line.Count),
			})
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "restoring stock")
		}
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
