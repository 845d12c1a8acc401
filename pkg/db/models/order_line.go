package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderLine pins the SKU, unit price and count at checkout time.
type OrderLine struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID   uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	SKUID     uuid.UUID       `gorm:"column:sku_id;type:uuid;not null"`
	SKUName   string          `gorm:"column:sku_name;not null"`
	UnitPrice decimal.Decimal `gorm:"column:unit_price;type:numeric(9,0);not null"`
	Count     int             `gorm:"column:count;not null"`
	Position  int             `gorm:"column:position;not null;default:0"`
	SKU       *SKU            `gorm:"foreignKey:SKUID"`
	Review    *Review         `gorm:"foreignKey:OrderLineID"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// Amount is unit price times count for the line.
func (l OrderLine) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Count)))
}
