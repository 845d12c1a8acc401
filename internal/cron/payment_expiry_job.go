package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const expiryBatchLimit = 200

// expirableReader lists pending payments inside the expiry window.
type expirableReader interface {
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
}

// paymentExpirer moves one payment to expired, rechecking under its own lock.
type paymentExpirer interface {
	Expire(ctx context.Context, paymentID uuid.UUID) error
}

// PaymentExpiryJobParams configure the payment expiry sweep.
type PaymentExpiryJobParams struct {
	Logger   *logger.Logger
	Reader   expirableReader
	Payments paymentExpirer
}

// NewPaymentExpiryJob builds the job that expires stale pending payments.
func NewPaymentExpiryJob(params PaymentExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("expirable payments reader required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment expirer required")
	}
	return &paymentExpiryJob{
		logg:     params.Logger,
		reader:   params.Reader,
		payments: params.Payments,
		now:      time.Now,
	}, nil
}

type paymentExpiryJob struct {
	logg     *logger.Logger
	reader   expirableReader
	payments paymentExpirer
	now      func() time.Time
}

func (j *paymentExpiryJob) Name() string { return "payment-expiry" }

// Run expires each stale payment in its own transaction. One failure never
// aborts the batch.
func (j *paymentExpiryJob) Run(ctx context.Context) error {
	stale, err := j.reader.ListExpirable(ctx, j.now().UTC(), expiryBatchLimit)
	if err != nil {
		return fmt.Errorf("query expirable payments: %w", err)
	}

	var errs []error
	expired := 0
	for _, payment := range stale {
		if err := j.payments.Expire(ctx, payment.ID); err != nil {
			errs = append(errs, fmt.Errorf("expire payment %s: %w", payment.Number, err))
			continue
		}
		expired++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"expired": expired, "failed": len(errs)})
	j.logg.Info(logCtx, "payment expiry loop complete")
	return multierr.Combine(errs...)
}
