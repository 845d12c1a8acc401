package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/internal/payments"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const autoCancelBatchLimit = 200

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// orderCanceller force-cancels an order whose payment never arrived.
type orderCanceller interface {
	CancelForExpiredPayment(ctx context.Context, tx *gorm.DB, order *models.Order) error
}

type notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// OrderAutoCancelJobParams configure the abandoned-payment cleanup.
type OrderAutoCancelJobParams struct {
	Logger   *logger.Logger
	DB       txRunner
	Payments payments.Repository
	Orders   orderCanceller
	Notifier notifier
}

// NewOrderAutoCancelJob builds the job that cancels orders whose payment
// aged past the cutoff without settling.
func NewOrderAutoCancelJob(params OrderAutoCancelJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order canceller required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	return &orderAutoCancelJob{
		logg:     params.Logger,
		db:       params.DB,
		payments: params.Payments,
		orders:   params.Orders,
		notifier: params.Notifier,
		now:      time.Now,
	}, nil
}

type orderAutoCancelJob struct {
	logg     *logger.Logger
	db       txRunner
	payments payments.Repository
	orders   orderCanceller
	notifier notifier
	now      func() time.Time
}

func (j *orderAutoCancelJob) Name() string { return "order-auto-cancel" }

// Run cancels each abandoned payment's orders in its own transaction. The
// payment is locked and the cutoff rechecked inside the transaction, so a
// webhook settling the payment mid-sweep wins.
func (j *orderAutoCancelJob) Run(ctx context.Context) error {
	abandoned, err := j.payments.ListAutoCancelable(ctx, j.now().UTC(), autoCancelBatchLimit)
	if err != nil {
		return fmt.Errorf("query auto-cancelable payments: %w", err)
	}

	var errs []error
	cancelled := 0
	for _, payment := range abandoned {
		count, err := j.cancelPayment(ctx, payment)
		if err != nil {
			errs = append(errs, fmt.Errorf("auto-cancel payment %s: %w", payment.Number, err))
			continue
		}
		cancelled += count
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"orders_cancelled": cancelled, "failed": len(errs)})
	j.logg.Info(logCtx, "order auto-cancel loop complete")
	return multierr.Combine(errs...)
}

func (j *orderAutoCancelJob) cancelPayment(ctx context.Context, stale models.Payment) (int, error) {
	var cancelled []models.Order
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.payments.WithTx(tx)
		payment, err := repo.FindByIDForUpdate(ctx, stale.ID)
		if err != nil {
			return err
		}
		if !payments.IsAutoCancelable(payment, j.now().UTC()) {
			return nil
		}

		orders, err := repo.ListOrdersWithLines(ctx, payment.ID)
		if err != nil {
			return err
		}
		for i := range orders {
			if orders[i].Status == enums.OrderStatusCancelled {
				continue
			}
			if err := j.orders.CancelForExpiredPayment(ctx, tx, &orders[i]); err != nil {
				return err
			}
			cancelled = append(cancelled, orders[i])
		}

		if payment.Status == enums.PaymentStatusPending {
			now := j.now().UTC()
			payment.Status = enums.PaymentStatusExpired
			payment.ExpiredAt = &now
			if err := repo.Save(ctx, payment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, order := range cancelled {
		j.notifier.Notify(ctx, notify.Message{
			CustomerID: order.CustomerID,
			Kind:       enums.NotificationKindOrderCancelled,
			Subject:    fmt.Sprintf("Order %s cancelled", order.Number),
			Body:       fmt.Sprintf("Order %s was cancelled because its payment was not completed.", order.Number),
		})
	}
	return len(cancelled), nil
}
