package models

import (
	"time"

	"github.com/google/uuid"
)

// Address is a shipping destination owned by a customer.
type Address struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID uuid.UUID `gorm:"column:customer_id;type:uuid;not null;index"`
	Recipient  string    `gorm:"column:recipient;not null"`
	PostalCode string    `gorm:"column:postal_code;not null"`
	Prefecture string    `gorm:"column:prefecture;not null"`
	City       string    `gorm:"column:city;not null"`
	Line1      string    `gorm:"column:line1;not null"`
	Line2      *string   `gorm:"column:line2"`
	Phone      *string   `gorm:"column:phone"`
	IsDefault  bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
