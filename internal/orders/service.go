package orders

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
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// stockRestorer returns stock when an order is cancelled.
type stockRestorer interface {
	Restore(ctx context.Context, tx *gorm.DB, lines []models.OrderLine) error
}

// refunder pushes money back for a cancelled paid order.
type refunder interface {
	RefundOrder(ctx context.Context, tx *gorm.DB, order *models.Order) error
}

type notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Service drives the order lifecycle.
type Service interface {
	Act(ctx context.Context, input ActionInput) (*models.Order, error)
	Get(ctx context.Context, orderID, customerID uuid.UUID, admin bool) (*models.Order, error)
	Confirm(ctx context.Context, tx *gorm.DB, order *models.Order) error
	CancelForExpiredPayment(ctx context.Context, tx *gorm.DB, order *models.Order) error
	CompleteMature(ctx context.Context, tx *gorm.DB, order *models.Order, now time.Time) error
	AddReview(ctx context.Context, input ReviewInput) (*models.Review, error)
}

// ActionInput names the order, the move, and who is asking for it.
type ActionInput struct {
	OrderID         uuid.UUID
	Action          Action
	ActorCustomerID uuid.UUID
	Admin           bool
}

// ReviewInput carries a review for one line of a completed order.
type ReviewInput struct {
	OrderID    uuid.UUID
	LineID     uuid.UUID
	CustomerID uuid.UUID
	Rating     int
	Comment    *string
}

var customerActions = map[Action]struct{}{
	ActionRequestCancel: {},
	ActionStopCancel:    {},
	ActionRequestReturn: {},
	ActionStopReturn:    {},
}

var adminActions = map[Action]struct{}{
	ActionShip:          {},
	ActionConfirmCancel: {},
	ActionComplete:      {},
}

type service struct {
	repo     Repository
	tx       txRunner
	ledger   stockRestorer
	refunds  refunder
	notifier notifier
	logg     *logger.Logger
	clock    func() time.Time
}

// NewService builds the order lifecycle service with the required dependencies.
func NewService(repo Repository, tx txRunner, ledger stockRestorer, refunds refunder, n notifier, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if refunds == nil {
		return nil, fmt.Errorf("refunder required")
	}
	if n == nil {
		return nil, fmt.Errorf("notifier required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		ledger:   ledger,
		refunds:  refunds,
		notifier: n,
		logg:     logg,
		clock:    time.Now,
	}, nil
}

func (s *service) Act(ctx context.Context, input ActionInput) (*models.Order, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if err := s.authorizeAction(input); err != nil {
		return nil, err
	}

	ctx = s.logg.WithOrderNumber(ctx, input.OrderID.String())

	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		order, err := repo.FindByIDForUpdate(ctx, input.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading order")
		}
		if !input.Admin && order.CustomerID != input.ActorCustomerID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to customer")
		}

		next, err := Transition(order.Status, input.Action, s.transitionContext(order))
		if err != nil {
			return err
		}

		now := s.clock()
		switch input.Action {
		case ActionShip:
			order.ShippedAt = &now
		case ActionRequestReturn:
			order.ReturnAt = &now
		case ActionStopReturn:
			order.ReturnAt = nil
		}

		if next == enums.OrderStatusCancelled {
			if err := s.ledger.Restore(ctx, tx, order.Lines); err != nil {
				return err
			}
			if paymentSucceeded(order) {
				if err := s.refunds.RefundOrder(ctx, tx, order); err != nil {
					return err
				}
			}
		}

		order.Status = next
		if err := repo.Save(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving order")
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyAction(ctx, updated, input.Action)
	return updated, nil
}

func (s *service) Get(ctx context.Context, orderID, customerID uuid.UUID, admin bool) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading order")
	}
	if !admin && order.CustomerID != customerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to customer")
	}
	return order, nil
}

// lockForTransition re-reads the order under a row lock inside the caller's
// transaction. Callers may hold a snapshot taken before the transaction began
// (webhook lookups, cron sweeps); deciding a transition from that snapshot
// would clobber whatever committed in between.
func (s *service) lockForTransition(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.Order, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	fresh, err := s.repo.WithTx(tx).FindByIDForUpdate(ctx, order.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "locking order")
	}
	return fresh, nil
}

// Confirm moves an order to confirmed inside the caller's transaction. Orders
// that already left new keep their state: replays stay idempotent, and an
// order a customer started cancelling mid-payment resumes to confirmed only
// through stop-cancel, never by the webhook.
func (s *service) Confirm(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	fresh, err := s.lockForTransition(ctx, tx, order)
	if err != nil {
		return err
	}
	if fresh.Status != enums.OrderStatusNew {
		*order = *fresh
		return nil
	}

	next, err := Transition(fresh.Status, ActionConfirm, TransitionContext{
		PaymentSucceeded: true,
		CreatedAt:        fresh.CreatedAt,
		Now:              s.clock(),
	})
	if err != nil {
		return err
	}
	fresh.Status = next
	if err := s.repo.WithTx(tx).Save(ctx, fresh); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving order")
	}
	*order = *fresh
	return nil
}

// CancelForExpiredPayment force-cancels an unpaid order, walking the cancel
// path so the stock restore happens exactly once.
func (s *service) CancelForExpiredPayment(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	fresh, err := s.lockForTransition(ctx, tx, order)
	if err != nil {
		return err
	}
	if fresh.Status == enums.OrderStatusCancelled {
		*order = *fresh
		return nil
	}

	tc := TransitionContext{CreatedAt: fresh.CreatedAt, Now: s.clock()}
	status := fresh.Status
	if status != enums.OrderStatusCancelling {
		next, err := Transition(status, ActionRequestCancel, tc)
		if err != nil {
			return err
		}
		status = next
	}
	next, err := Transition(status, ActionConfirmCancel, tc)
	if err != nil {
		return err
	}

	if err := s.ledger.Restore(ctx, tx, fresh.Lines); err != nil {
		return err
	}
	fresh.Status = next
	if err := s.repo.WithTx(tx).Save(ctx, fresh); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving order")
	}
	*order = *fresh
	return nil
}

// CompleteMature finishes shipped or stalled-return orders past their window.
// An order that moved since the caller's sweep listed it is left alone; the
// next sweep re-evaluates it.
func (s *service) CompleteMature(ctx context.Context, tx *gorm.DB, order *models.Order, now time.Time) error {
	fresh, err := s.lockForTransition(ctx, tx, order)
	if err != nil {
		return err
	}
	if fresh.Status != order.Status {
		*order = *fresh
		return nil
	}
	next, err := Transition(fresh.Status, ActionComplete, TransitionContext{
		CreatedAt: fresh.CreatedAt,
		ShippedAt: fresh.ShippedAt,
		ReturnAt:  fresh.ReturnAt,
		Now:       now,
	})
	if err != nil {
		return err
	}
	fresh.Status = next
	if err := s.repo.WithTx(tx).Save(ctx, fresh); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving order")
	}
	*order = *fresh
	return nil
}

func (s *service) AddReview(ctx context.Context, input ReviewInput) (*models.Review, error) {
	if input.OrderID == uuid.Nil || input.LineID == uuid.Nil || input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id, line id and customer id required")
	}
	if input.Rating < 1 || input.Rating > 5 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rating must be between 1 and 5")
	}

	var review *models.Review
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, input.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading order")
		}
		if order.CustomerID != input.CustomerID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to customer")
		}
		if order.Status != enums.OrderStatusCompleted {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "only completed orders can be reviewed")
		}

		var line *models.OrderLine
		for i := range order.Lines {
			if order.Lines[i].ID == input.LineID {
				line = &order.Lines[i]
				break
			}
		}
		if line == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order line not found")
		}

		if _, err := repo.FindReviewByLineID(ctx, line.ID); err == nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "line already reviewed")
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "checking existing review")
		}

		review = &models.Review{
			ID:          uuid.New(),
			OrderLineID: line.ID,
			CustomerID:  input.CustomerID,
			Rating:      input.Rating,
			Comment:     input.Comment,
		}
		if err := repo.CreateReview(ctx, review); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "saving review")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

func (s *service) authorizeAction(input ActionInput) error {
	if _, ok := customerActions[input.Action]; ok {
		if !input.Admin && input.ActorCustomerID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "customer identity missing")
		}
		return nil
	}
	if _, ok := adminActions[input.Action]; ok {
		if !input.Admin {
			return pkgerrors.New(pkgerrors.CodeForbidden, "action requires operator access")
		}
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("action %q cannot be requested directly", input.Action))
}

func (s *service) transitionContext(order *models.Order) TransitionContext {
	return TransitionContext{
		PaymentSucceeded: paymentSucceeded(order),
		CreatedAt:        order.CreatedAt,
		ShippedAt:        order.ShippedAt,
		ReturnAt:         order.ReturnAt,
		Now:              s.clock(),
	}
}

func paymentSucceeded(order *models.Order) bool {
	return order.Payment != nil && order.Payment.Status == enums.PaymentStatusSucceeded
}

func (s *service) notifyAction(ctx context.Context, order *models.Order, action Action) {
	if order == nil {
		return
	}
	var kind enums.NotificationKind
	var subject string
	switch {
	case order.Status == enums.OrderStatusCancelled:
		kind = enums.NotificationKindOrderCancelled
		subject = fmt.Sprintf("Order %s cancelled", order.Number)
	case action == ActionShip:
		kind = enums.NotificationKindOrderShipped
		subject = fmt.Sprintf("Order %s shipped", order.Number)
	default:
		return
	}

	s.notifier.Notify(ctx, notify.Message{
		CustomerID: order.CustomerID,
		Kind:       kind,
		Subject:    subject,
		Body:       fmt.Sprintf("Order %s is now %s.", order.Number, order.Status),
	})
}
