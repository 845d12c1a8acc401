package models

import (
	"time"

	"github.com/google/uuid"
)

// Review is customer feedback left on one line of a completed order. A line
// counts as reviewed when its row exists, there is no separate flag.
type Review struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderLineID uuid.UUID `gorm:"column:order_line_id;type:uuid;not null;uniqueIndex"`
	CustomerID uuid.UUID `gorm:"column:customer_id;type:uuid;not null;index"`
	Rating     int       `gorm:"column:rating;not null"`
	Comment    *string   `gorm:"column:comment"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
