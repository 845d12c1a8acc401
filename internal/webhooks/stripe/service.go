package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/internal/payments"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const eventCheckoutCompleted = "checkout.session.completed"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// verifier checks a delivery's signature and decodes the event.
type verifier interface {
	VerifyEvent(payload []byte, sigHeader string) (stripeapi.Event, error)
}

// settler moves the payment to succeeded inside the caller's transaction.
type settler interface {
	Pay(ctx context.Context, tx *gorm.DB, payment *models.Payment) error
}

// confirmer moves a paid order to confirmed inside the caller's transaction.
type confirmer interface {
	Confirm(ctx context.Context, tx *gorm.DB, order *models.Order) error
}

// deliveryGuard claims event ids so duplicate deliveries short-circuit.
type deliveryGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Service turns verified gateway events into payment settlement and order
// confirmation.
type Service interface {
	HandleEvent(ctx context.Context, payload []byte, sigHeader string) error
	Fulfill(ctx context.Context, paymentIntentID string) error
}

type service struct {
	repo     payments.Repository
	tx       txRunner
	verifier verifier
	settler  settler
	orders   confirmer
	guard    deliveryGuard
	notifier notifier
	logg     *logger.Logger
}

// NewService builds the webhook fulfillment service.
func NewService(repo payments.Repository, tx txRunner, v verifier, s settler, o confirmer, g deliveryGuard, n notifier, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if v == nil {
		return nil, fmt.Errorf("event verifier required")
	}
	if s == nil {
		return nil, fmt.Errorf("payment settler required")
	}
	if o == nil {
		return nil, fmt.Errorf("order confirmer required")
	}
	if g == nil {
		return nil, fmt.Errorf("delivery guard required")
	}
	if n == nil {
		return nil, fmt.Errorf("notifier required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		verifier: v,
		settler:  s,
		orders:   o,
		guard:    g,
		notifier: n,
		logg:     logg,
	}, nil
}

// HandleEvent verifies the signature, filters for completed checkout
// sessions, claims the delivery, and fulfills the referenced payment. A
// fulfillment failure releases the claim so Stripe's retry can land.
func (s *service) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := s.verifier.VerifyEvent(payload, sigHeader)
	if err != nil {
		return err
	}

	if string(event.Type) != eventCheckoutCompleted {
		s.logg.Info(ctx, fmt.Sprintf("ignoring webhook event type %s", event.Type))
		return nil
	}

	var session struct {
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decoding checkout session")
	}
	if session.PaymentIntent == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event has no payment intent")
	}

	fresh, err := s.guard.CheckAndMark(ctx, event.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claiming webhook delivery")
	}
	if !fresh {
		s.logg.Info(ctx, fmt.Sprintf("duplicate delivery of event %s", event.ID))
		return nil
	}

	if err := s.Fulfill(ctx, session.PaymentIntent); err != nil {
		if relErr := s.guard.Release(ctx, event.ID); relErr != nil {
			s.logg.Error(ctx, "releasing webhook delivery claim", relErr)
		}
		return err
	}
	return nil
}

// Fulfill settles the payment named by the intent reference and confirms
// every order attached to it. Replays against an already-settled payment are
// a no-op.
func (s *service) Fulfill(ctx context.Context, paymentIntentID string) error {
	ctx = s.logg.WithPaymentNumber(ctx, paymentIntentID)

	var settled *models.Payment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.FindByNumberForUpdate(ctx, paymentIntentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for intent")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading payment")
		}
		if payment.Status == enums.PaymentStatusSucceeded {
			return nil
		}

		if err := s.settler.Pay(ctx, tx, payment); err != nil {
			return err
		}

		orders, err := repo.ListOrdersWithLines(ctx, payment.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading orders")
		}
		for i := range orders {
			orders[i].Payment = payment
			if err := s.orders.Confirm(ctx, tx, &orders[i]); err != nil {
				return err
			}
		}
		settled = payment
		return nil
	})
	if err != nil {
		return err
	}
	if settled == nil {
		return nil
	}

	s.notifier.Notify(ctx, notify.Message{
		CustomerID: settled.CustomerID,
		Kind:       enums.NotificationKindPaymentReceived,
		Subject:    fmt.Sprintf("Payment %s received", settled.Number),
		Body:       "Your payment was received. We are preparing your order.",
	})
	s.notifier.Notify(ctx, notify.Message{
		Kind:    enums.NotificationKindOperatorAlert,
		Subject: fmt.Sprintf("Payment %s settled", settled.Number),
		Body:    fmt.Sprintf("Payment %s settled for %s yen. Fulfillment can begin.", settled.Number, settled.Amount.String()),
	})
	return nil
}
