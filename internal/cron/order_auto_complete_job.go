package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/internal/orders"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const autoCompleteBatchLimit = 200

// matureOrderReader lists orders that sat past their completion window.
type matureOrderReader interface {
	ListShippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	ListReturningBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

// orderCompleter finishes one mature order inside the caller's transaction.
type orderCompleter interface {
	CompleteMature(ctx context.Context, tx *gorm.DB, order *models.Order, now time.Time) error
}

// OrderAutoCompleteJobParams configure the order completion sweep.
type OrderAutoCompleteJobParams struct {
	Logger   *logger.Logger
	DB       txRunner
	Reader   matureOrderReader
	Orders   orderCompleter
	Notifier notifier
}

// NewOrderAutoCompleteJob builds the job that completes shipped orders past
// the return window and returns that never came back.
func NewOrderAutoCompleteJob(params OrderAutoCompleteJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("mature orders reader required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order completer required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	return &orderAutoCompleteJob{
		logg:     params.Logger,
		db:       params.DB,
		reader:   params.Reader,
		orders:   params.Orders,
		notifier: params.Notifier,
		now:      time.Now,
	}, nil
}

type orderAutoCompleteJob struct {
	logg     *logger.Logger
	db       txRunner
	reader   matureOrderReader
	orders   orderCompleter
	notifier notifier
	now      func() time.Time
}

func (j *orderAutoCompleteJob) Name() string { return "order-auto-complete" }

// Run completes each mature order in its own transaction, then invites the
// customer to review it.
func (j *orderAutoCompleteJob) Run(ctx context.Context) error {
	now := j.now().UTC()

	shipped, err := j.reader.ListShippedBefore(ctx, now.Add(-orders.ShippedCompleteAfter), autoCompleteBatchLimit)
	if err != nil {
		return fmt.Errorf("query shipped orders: %w", err)
	}
	returning, err := j.reader.ListReturningBefore(ctx, now.Add(-orders.ReturningCompleteAfter), autoCompleteBatchLimit)
	if err != nil {
		return fmt.Errorf("query returning orders: %w", err)
	}

	var errs []error
	completed := 0
	for _, order := range append(shipped, returning...) {
		done, err := j.completeOrder(ctx, order, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("auto-complete order %s: %w", order.Number, err))
			continue
		}
		if done {
			completed++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"completed": completed, "failed": len(errs)})
	j.logg.Info(logCtx, "order auto-complete loop complete")
	return multierr.Combine(errs...)
}

func (j *orderAutoCompleteJob) completeOrder(ctx context.Context, order models.Order, now time.Time) (bool, error) {
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return j.orders.CompleteMature(ctx, tx, &order, now)
	})
	if err != nil {
		return false, err
	}
	// CompleteMature re-reads under a row lock and leaves an order alone when
	// it moved since the sweep; only a real completion earns a notification.
	if order.Status != enums.OrderStatusCompleted {
		return false, nil
	}

	j.notifier.Notify(ctx, notify.Message{
		CustomerID: order.CustomerID,
		Kind:       enums.NotificationKindReviewRequest,
		Subject:    fmt.Sprintf("How was order %s?", order.Number),
		Body:       fmt.Sprintf("Order %s is complete. We would love to hear what you thought.", order.Number),
	})
	return true, nil
}
