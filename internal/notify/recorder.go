package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
)

// Sender is the outbound delivery transport (mail relay, etc).
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Recorder resolves recipients, persists a notification row, and hands the
// message to the transport. The row is written even when delivery fails so
// operators can replay.
type Recorder struct {
	db            *gorm.DB
	sender        Sender
	operatorEmail string
}

// NewRecorder builds the notification recorder.
func NewRecorder(db *gorm.DB, sender Sender, operatorEmail string) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("db handle required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender required")
	}
	if operatorEmail == "" {
		return nil, fmt.Errorf("operator email required")
	}
	return &Recorder{db: db, sender: sender, operatorEmail: operatorEmail}, nil
}

// Record resolves the recipient, persists the notification, and delivers it.
func (r *Recorder) Record(ctx context.Context, msg Message) error {
	recipient, err := r.resolveRecipient(ctx, msg)
	if err != nil {
		return err
	}

	row := models.Notification{
		ID:        uuid.New(),
		Recipient: recipient,
		Kind:      msg.Kind,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "recording notification")
	}

	if err := r.sender.Send(ctx, recipient, msg.Subject, msg.Body); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delivering notification")
	}

	now := r.db.NowFunc()
	return r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", row.ID).
		UpdateColumn("sent_at", now).Error
}

func (r *Recorder) resolveRecipient(ctx context.Context, msg Message) (string, error) {
	if msg.Recipient != "" {
		return msg.Recipient, nil
	}
	if msg.Kind == enums.NotificationKindOperatorAlert {
		return r.operatorEmail, nil
	}
	if msg.CustomerID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "notification has no recipient")
	}

	var customer models.Customer
	if err := r.db.WithContext(ctx).Where("id = ?", msg.CustomerID).First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", pkgerrors.New(pkgerrors.CodeNotFound, "notification customer not found")
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolving notification recipient")
	}
	return customer.Email, nil
}

// LogSender drops messages; used in dev and as a safe default.
type LogSender struct{}

func (LogSender) Send(context.Context, string, string, string) error { return nil }
