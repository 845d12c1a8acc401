package inventory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
)

func setupInventoryTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:inventory_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	skus := `
CREATE TABLE IF NOT EXISTS skus (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  unit_price NUMERIC NOT NULL,
  stock INTEGER NOT NULL DEFAULT 0,
  sales INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME,
  deleted_at DATETIME
);`
	require.NoError(t, db.Exec(skus).Error)
	return db
}

func seedSKU(t *testing.T, db *gorm.DB, name string, stock int) models.SKU {
	t.Helper()
	sku := models.SKU{
		ID:        uuid.New(),
		Name:      name,
		UnitPrice: decimal.NewFromInt(500),
		Stock:     stock,
		IsActive:  true,
	}
	require.NoError(t, db.Create(&sku).Error)
	return sku
}

func TestLockAndFetchOrdersByID(t *testing.T) {
	db := setupInventoryTestDB(t)
	ledger := NewLedger()
	ctx := context.Background()

	a := seedSKU(t, db, "green tea", 5)
	b := seedSKU(t, db, "black tea", 5)

	skus, err := ledger.LockAndFetch(ctx, db, []uuid.UUID{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, skus, 2)
	require.True(t, skus[0].ID.String() < skus[1].ID.String(), "rows must come back in ascending id order")
}

func TestLockAndFetchMissingSKU(t *testing.T) {
	db := setupInventoryTestDB(t)
	ledger := NewLedger()

	a := seedSKU(t, db, "green tea", 5)
	missing := uuid.New()

	_, err := ledger.LockAndFetch(context.Background(), db, []uuid.UUID{a.ID, missing})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestDecrementGuardsStock(t *testing.T) {
	db := setupInventoryTestDB(t)
	ledger := NewLedger()
	ctx := context.Background()

	sku := seedSKU(t, db, "sencha", 3)

	require.NoError(t, ledger.Decrement(ctx, db, &sku, 2))

	var reloaded models.SKU
	require.NoError(t, db.First(&reloaded, "id = ?", sku.ID).Error)
	require.Equal(t, 1, reloaded.Stock)
	require.Equal(t, 2, reloaded.Sales)

	err := ledger.Decrement(ctx, db, &reloaded, 2)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeUnderstocked, typed.Code())

	require.NoError(t, db.First(&reloaded, "id = ?", sku.ID).Error)
	require.Equal(t, 1, reloaded.Stock, "failed decrement must not change stock")
	require.Equal(t, 2, reloaded.Sales, "failed decrement must not change sales")
}

func TestRestoreReturnsStock(t *testing.T) {
	db := setupInventoryTestDB(t)
	ledger := NewLedger()
	ctx := context.Background()

	sku := seedSKU(t, db, "matcha", 1)
	require.NoError(t, ledger.Decrement(ctx, db, &sku, 1))

	lines := []models.OrderLine{{SKUID: sku.ID, Count: 1}}
	require.NoError(t, ledger.Restore(ctx, db, lines))

	var reloaded models.SKU
	require.NoError(t, db.First(&reloaded, "id = ?", sku.ID).Error)
	require.Equal(t, 1, reloaded.Stock)
	require.Equal(t, 0, reloaded.Sales, "restore must back the sale out")
}
