package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/marumoto/storefront-backend/pkg/enums"
)

// Notification records an outbound message produced by the lifecycle engine.
type Notification struct {
	ID        uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Recipient string                 `gorm:"type:text;not null"`
	Kind      enums.NotificationKind `gorm:"type:notification_kind;not null"`
	Subject   string                 `gorm:"type:text;not null"`
	Body      string                 `gorm:"type:text;not null"`
	SentAt    *time.Time             `gorm:"type:timestamptz"`
	CreatedAt time.Time              `gorm:"type:timestamptz;default:now()"`
}
