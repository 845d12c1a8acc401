package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/pkg/enums"
)

// Order is a customer order moving through the fulfillment lifecycle.
// Subtotal excludes shipping; the payment carries subtotal plus shipping.
type Order struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Number      string            `gorm:"column:number;not null;uniqueIndex"`
	CustomerID  uuid.UUID         `gorm:"column:customer_id;type:uuid;not null;index"`
	AddressID   uuid.UUID         `gorm:"column:address_id;type:uuid;not null"`
	PaymentID   *uuid.UUID        `gorm:"column:payment_id;type:uuid;index"`
	Status      enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'new'"`
	Subtotal    decimal.Decimal   `gorm:"column:subtotal;type:numeric(9,0);not null"`
	ShippingFee decimal.Decimal   `gorm:"column:shipping_fee;type:numeric(9,0);not null"`
	ItemCount   int               `gorm:"column:item_count;not null"`
	ReturnAt    *time.Time        `gorm:"column:return_at"`
	ShippedAt   *time.Time        `gorm:"column:shipped_at"`
	Customer    *Customer         `gorm:"foreignKey:CustomerID"`
	Address     *Address          `gorm:"foreignKey:AddressID"`
	Payment     *Payment          `gorm:"foreignKey:PaymentID"`
	Lines       []OrderLine       `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt   gorm.DeletedAt    `gorm:"column:deleted_at;index"`
}

// Total is the amount charged for the order including shipping.
func (o Order) Total() decimal.Decimal {
	return o.Subtotal.Add(o.ShippingFee)
}
