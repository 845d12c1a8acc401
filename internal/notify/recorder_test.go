package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
)

type captureSender struct {
	recipients []string
	fail       error
}

func (c *captureSender) Send(_ context.Context, recipient, _, _ string) error {
	if c.fail != nil {
		return c.fail
	}
	c.recipients = append(c.recipients, recipient)
	return nil
}

func setupNotifyTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:notify_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS customers (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  name TEXT NOT NULL,
  is_guest INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  recipient TEXT NOT NULL,
  kind TEXT NOT NULL,
  subject TEXT NOT NULL,
  body TEXT NOT NULL,
  sent_at DATETIME,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

func TestRecordResolvesCustomerEmail(t *testing.T) {
	db := setupNotifyTestDB(t)
	sender := &captureSender{}
	rec, err := NewRecorder(db, sender, "ops@shop.example")
	require.NoError(t, err)

	customer := models.Customer{ID: uuid.New(), Email: "taro@example.com", Name: "Taro"}
	require.NoError(t, db.Create(&customer).Error)

	err = rec.Record(context.Background(), Message{
		CustomerID: customer.ID,
		Kind:       enums.NotificationKindOrderShipped,
		Subject:    "Order shipped",
		Body:       "On its way.",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"taro@example.com"}, sender.recipients)

	var row models.Notification
	require.NoError(t, db.First(&row).Error)
	require.Equal(t, "taro@example.com", row.Recipient)
	require.NotNil(t, row.SentAt)
}

func TestRecordOperatorAlertUsesOperatorEmail(t *testing.T) {
	db := setupNotifyTestDB(t)
	sender := &captureSender{}
	rec, err := NewRecorder(db, sender, "ops@shop.example")
	require.NoError(t, err)

	err = rec.Record(context.Background(), Message{
		Kind:    enums.NotificationKindOperatorAlert,
		Subject: "Payment received",
		Body:    "A payment just settled.",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ops@shop.example"}, sender.recipients)
}

func TestRecordKeepsRowWhenDeliveryFails(t *testing.T) {
	db := setupNotifyTestDB(t)
	sender := &captureSender{fail: context.DeadlineExceeded}
	rec, err := NewRecorder(db, sender, "ops@shop.example")
	require.NoError(t, err)

	err = rec.Record(context.Background(), Message{
		Recipient: "someone@example.com",
		Kind:      enums.NotificationKindOrderCancelled,
		Subject:   "Order cancelled",
		Body:      "Sorry.",
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	var row models.Notification
	require.NoError(t, db.First(&row).Error)
	require.Nil(t, row.SentAt)
}
