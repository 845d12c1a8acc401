package payments

import (
	"time"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
)

const (
	// ExpiryGraceStart is how long a pending payment may sit before the
	// expiry sweep marks it expired.
	ExpiryGraceStart = 30*time.Hour + 30*time.Minute
	// AutoCancelAfter is the point of no return: past it the payment and its
	// orders are cancelled instead of renewed.
	AutoCancelAfter = 48 * time.Hour
)

// IsExpired reports whether a pending payment sits inside the expiry window:
// old enough to have outlived its checkout session, young enough to renew.
func IsExpired(p *models.Payment, now time.Time) bool {
	if p == nil || p.Status != enums.PaymentStatusPending {
		return false
	}
	age := now.Sub(p.CreatedAt)
	return age > ExpiryGraceStart && age < AutoCancelAfter
}

// IsAutoCancelable reports whether the payment is past renewal entirely.
func IsAutoCancelable(p *models.Payment, now time.Time) bool {
	if p == nil {
		return false
	}
	if p.Status != enums.PaymentStatusPending && p.Status != enums.PaymentStatusExpired {
		return false
	}
	return now.Sub(p.CreatedAt) > AutoCancelAfter
}
