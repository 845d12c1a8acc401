package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marumoto/storefront-backend/pkg/enums"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

// Message is one outbound notification. Recipient may be left empty when
// CustomerID is set; the recorder resolves the customer's email.
type Message struct {
	CustomerID uuid.UUID
	Recipient  string
	Kind       enums.NotificationKind
	Subject    string
	Body       string
}

// Notifier accepts messages for delivery.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// recorder persists and delivers a message synchronously.
type recorder interface {
	Record(ctx context.Context, msg Message) error
}

// Dispatcher delivers messages off the request path. Failures are logged,
// never surfaced to the caller: notifications must not fail checkouts.
type Dispatcher struct {
	recorder recorder
	logg     *logger.Logger
	timeout  time.Duration
}

// NewDispatcher builds the async dispatcher.
func NewDispatcher(rec recorder, logg *logger.Logger, timeout time.Duration) (*Dispatcher, error) {
	if rec == nil {
		return nil, fmt.Errorf("notification recorder required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{recorder: rec, logg: logg, timeout: timeout}, nil
}

// Notify hands the message to a background goroutine and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	detached := context.WithoutCancel(ctx)
	go func() {
		sendCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		if err := d.recorder.Record(sendCtx, msg); err != nil {
			if d.logg != nil {
				d.logg.Error(sendCtx, "notification delivery failed", err)
			}
		}
	}()
}
