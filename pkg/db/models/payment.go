package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marumoto/storefront-backend/pkg/enums"
)

// Payment tracks a gateway checkout session covering one or more orders.
// Number holds the gateway payment intent reference and is how webhook
// events find their payment.
type Payment struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Number         string              `gorm:"column:number;not null;uniqueIndex"`
	SessionID      string              `gorm:"column:session_id;not null"`
	CustomerID     uuid.UUID           `gorm:"column:customer_id;type:uuid;not null;index"`
	Method         enums.PaymentMethod `gorm:"column:method;type:payment_method;not null;default:'card'"`
	Status         enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	Amount         decimal.Decimal     `gorm:"column:amount;type:numeric(9,0);not null"`
	RefundedAmount decimal.Decimal     `gorm:"column:refunded_amount;type:numeric(9,0);not null;default:0"`
	PaidAt         *time.Time          `gorm:"column:paid_at"`
	ExpiredAt      *time.Time          `gorm:"column:expired_at"`
	RefundedAt     *time.Time          `gorm:"column:refunded_at"`
	Orders         []Order             `gorm:"foreignKey:PaymentID"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
