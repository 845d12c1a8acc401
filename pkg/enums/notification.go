package enums

import "fmt"

// NotificationKind maps to the notification_kind enum in Postgres.
type NotificationKind string

const (
	NotificationKindOrderReceipt    NotificationKind = "order_receipt"
	NotificationKindPaymentReceived NotificationKind = "payment_received"
	NotificationKindPaymentExpired  NotificationKind = "payment_expired"
	NotificationKindRefundIssued    NotificationKind = "refund_issued"
	NotificationKindOrderCancelled  NotificationKind = "order_cancelled"
	NotificationKindOrderShipped    NotificationKind = "order_shipped"
	NotificationKindReviewRequest   NotificationKind = "review_request"
	NotificationKindOperatorAlert   NotificationKind = "operator_alert"
)

var validNotificationKinds = []NotificationKind{
	NotificationKindOrderReceipt,
	NotificationKindPaymentReceived,
	NotificationKindPaymentExpired,
	NotificationKindRefundIssued,
	NotificationKindOrderCancelled,
	NotificationKindOrderShipped,
	NotificationKindReviewRequest,
	NotificationKindOperatorAlert,
}

// IsValid checks whether the given kind matches the canonical enum.
func (n NotificationKind) IsValid() bool {
	for _, candidate := range validNotificationKinds {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationKind converts raw strings into NotificationKind.
func ParseNotificationKind(value string) (NotificationKind, error) {
	for _, candidate := range validNotificationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification kind %q", value)
}
