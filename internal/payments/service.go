package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
	"github.com/marumoto/storefront-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// gateway is the slice of the payment gateway the service needs.
type gateway interface {
	CreateCheckoutSession(ctx context.Context, params stripe.SessionParams) (stripe.Session, error)
	CreateRefund(ctx context.Context, paymentIntentID string, amount int64) (string, error)
}

type notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Service drives the payment lifecycle: settle, expire, renew, refund.
type Service interface {
	Pay(ctx context.Context, tx *gorm.DB, payment *models.Payment) error
	Expire(ctx context.Context, paymentID uuid.UUID) error
	Renew(ctx context.Context, input RenewInput) (*models.Payment, error)
	RefundOrder(ctx context.Context, tx *gorm.DB, order *models.Order) error
}

// RenewInput identifies the expired payment a customer wants to retry.
type RenewInput struct {
	PaymentID  uuid.UUID
	CustomerID uuid.UUID
}

type service struct {
	repo           Repository
	tx             txRunner
	gateway        gateway
	notifier       notifier
	logg           *logger.Logger
	gatewayTimeout time.Duration
	clock          func() time.Time
}

// NewService builds the payments service with the required dependencies.
func NewService(repo Repository, tx txRunner, gw gateway, n notifier, logg *logger.Logger, gatewayTimeout time.Duration) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if gw == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if n == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &service{
		repo:           repo,
		tx:             tx,
		gateway:        gw,
		notifier:       n,
		logg:           logg,
		gatewayTimeout: gatewayTimeout,
		clock:          time.Now,
	}, nil
}

// Pay settles a payment inside the caller's transaction. A payment that
// already succeeded is a no-op so webhook replays stay idempotent.
func (s *service) Pay(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	if payment == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment required")
	}

	switch payment.Status {
	case enums.PaymentStatusSucceeded:
		return nil
	case enums.PaymentStatusPending, enums.PaymentStatusExpired:
		// the gateway collected money, expiry state is stale
	default:
		return pkgerrors.New(pkgerrors.CodeInvalidTransition,
			fmt.Sprintf("cannot settle a payment in status %s", payment.Status))
	}

	now := s.clock()
	payment.Status = enums.PaymentStatusSucceeded
	payment.PaidAt = &now
	payment.ExpiredAt = nil
	if err := s.repo.WithTx(tx).Save(ctx, payment); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving payment")
	}
	return nil
}

// Expire marks a stale pending payment expired in its own transaction. The
// window is rechecked under the row lock so a payment settled between the
// sweep's read and this call stays untouched.
func (s *service) Expire(ctx context.Context, paymentID uuid.UUID) error {
	if paymentID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}

	var expired *models.Payment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.FindByIDForUpdate(ctx, paymentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading payment")
		}

		now := s.clock()
		if !IsExpired(payment, now) {
			return nil
		}

		payment.Status = enums.PaymentStatusExpired
		payment.ExpiredAt = &now
		if err := repo.Save(ctx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving payment")
		}
		expired = payment
		return nil
	})
	if err != nil {
		return err
	}

	if expired != nil {
		s.notifier.Notify(ctx, notify.Message{
			CustomerID: expired.CustomerID,
			Kind:       enums.NotificationKindPaymentExpired,
			Subject:    fmt.Sprintf("Payment %s expired", expired.Number),
			Body:       "Your checkout session expired. Renew the payment to keep your order.",
		})
	}
	return nil
}

// Renew opens a fresh gateway session for an expired payment and rolls the
// payment back to pending under the new payment intent reference.
func (s *service) Renew(ctx context.Context, input RenewInput) (*models.Payment, error) {
	if input.PaymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "customer identity missing")
	}

	ctx = s.logg.WithPaymentNumber(ctx, input.PaymentID.String())

	var renewed *models.Payment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.FindByIDForUpdate(ctx, input.PaymentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading payment")
		}
		if payment.CustomerID != input.CustomerID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "payment does not belong to customer")
		}
		if payment.Status != enums.PaymentStatusExpired {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition,
				fmt.Sprintf("cannot renew a payment in status %s", payment.Status))
		}

		customer, err := repo.FindCustomer(ctx, payment.CustomerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading customer")
		}
		orders, err := repo.ListOrdersWithLines(ctx, payment.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading orders")
		}
		itemName, err := sessionItemName(orders)
		if err != nil {
			return err
		}

		gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		defer cancel()
		session, err := s.gateway.CreateCheckoutSession(gwCtx, stripe.SessionParams{
			CustomerEmail: customer.Email,
			ItemName:      itemName,
			Amount:        payment.Amount.IntPart(),
			Method:        payment.Method.String(),
		})
		if err != nil {
			return err
		}

		now := s.clock()
		payment.Number = session.PaymentIntentID
		payment.SessionID = session.ID
		payment.Status = enums.PaymentStatusPending
		payment.ExpiredAt = nil
		// restart the expiry clock with the new session
		payment.CreatedAt = now
		if err := repo.Save(ctx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving payment")
		}
		renewed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// RefundOrder pushes the cancelled order's total back through the gateway and
// marks the payment refunded once every order on it is cancelled. A gateway
// failure leaves the payment untouched; the caller's transaction rolls back.
func (s *service) RefundOrder(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	if order.PaymentID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order has no payment")
	}

	repo := s.repo.WithTx(tx)
	payment, err := repo.FindByIDForUpdate(ctx, *order.PaymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading payment")
	}
	if payment.Status != enums.PaymentStatusSucceeded {
		return pkgerrors.New(pkgerrors.CodeInvalidTransition,
			fmt.Sprintf("cannot refund a payment in status %s", payment.Status))
	}

	amount := order.Total()
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	if _, err := s.gateway.CreateRefund(gwCtx, payment.Number, amount.IntPart()); err != nil {
		return err
	}

	payment.RefundedAmount = payment.RefundedAmount.Add(amount)

	active, err := repo.CountActiveOrders(ctx, payment.ID, order.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "counting active orders")
	}
	if active == 0 {
		now := s.clock()
		payment.Status = enums.PaymentStatusRefunded
		payment.RefundedAt = &now
	}

	if err := repo.Save(ctx, payment); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving payment")
	}
	return nil
}

func sessionItemName(orders []models.Order) (string, error) {
	var first string
	total := 0
	for _, order := range orders {
		for _, line := range order.Lines {
			if first == "" {
				first = line.SKUName
			}
			total++
		}
	}
	if first == "" {
		return "", pkgerrors.New(pkgerrors.CodeInternal, "payment has no order lines")
	}
	return stripe.SessionItemName(first, total-1), nil
}
