package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/internal/cart"
	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/internal/orders"
	"github.com/marumoto/storefront-backend/pkg/config"
	"github.com/marumoto/storefront-backend/pkg/db"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
	"github.com/marumoto/storefront-backend/pkg/stripe"
)

const numberAttempts = 5

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// cartReader is the slice of the cart service checkout consumes.
type cartReader interface {
	ReadOrdered(ctx context.Context, customerID uuid.UUID) (cart.Snapshot, error)
	Clear(ctx context.Context, customerID uuid.UUID, skuIDs []uuid.UUID) error
}

// stockLedger reserves inventory under row locks.
type stockLedger interface {
	LockAndFetch(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.SKU, error)
	Decrement(ctx context.Context, tx *gorm.DB, sku *models.SKU, count int) error
}

type gateway interface {
	CreateCheckoutSession(ctx context.Context, params stripe.SessionParams) (stripe.Session, error)
}

type notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// AddressInput is a shipping destination supplied inline at checkout.
type AddressInput struct {
	Recipient  string
	PostalCode string
	Prefecture string
	City       string
	Line1      string
	Line2      *string
	Phone      *string
}

// Input describes one checkout request: whose cart, who is paying, and
// where the order ships. Registered customers reference a saved address;
// guests supply email, name and an inline address.
type Input struct {
	CartID     uuid.UUID
	CustomerID uuid.UUID
	GuestEmail string
	GuestName  string
	AddressID  uuid.UUID
	Address    *AddressInput
	Method     enums.PaymentMethod
}

// Result is a committed checkout: the order, its payment, and the hosted
// session the customer is redirected to.
type Result struct {
	Order       *models.Order
	Payment     *models.Payment
	CheckoutURL string
}

// Service turns a cart into an order with a pending payment, atomically.
type Service interface {
	Execute(ctx context.Context, input Input) (*Result, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	carts    cartReader
	ledger   stockLedger
	gateway  gateway
	notifier notifier
	logg     *logger.Logger
	cfg      config.CheckoutConfig
}

// NewService builds the checkout orchestrator with the required dependencies.
func NewService(repo Repository, tx txRunner, carts cartReader, ledger stockLedger, gw gateway, n notifier, logg *logger.Logger, cfg config.CheckoutConfig) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("checkout repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if carts == nil {
		return nil, fmt.Errorf("cart reader required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if gw == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if n == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	return &service{
		repo:     repo,
		tx:       tx,
		carts:    carts,
		ledger:   ledger,
		gateway:  gw,
		notifier: n,
		logg:     logg,
		cfg:      cfg,
	}, nil
}

// Execute runs the whole checkout in one transaction: customer and address
// resolution, stock reservation in cart order, order and line rows, the
// gateway session, and the payment row. A gateway failure rolls everything
// back, stock included. The cart is cleared only after commit.
func (s *service) Execute(ctx context.Context, input Input) (*Result, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	cartID := input.CartID
	if cartID == uuid.Nil {
		cartID = input.CustomerID
	}

	snapshot, err := s.carts.ReadOrdered(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if snapshot.IsEmpty() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}

	var result *Result
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		customer, err := s.resolveCustomer(ctx, repo, input)
		if err != nil {
			return err
		}
		address, err := s.resolveAddress(ctx, repo, customer, input)
		if err != nil {
			return err
		}

		skus, err := s.ledger.LockAndFetch(ctx, tx, snapshot.SKUIDs())
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*models.SKU, len(skus))
		for i := range skus {
			byID[skus[i].ID] = &skus[i]
		}

		subtotal := decimal.Zero
		totalCount := 0
		lines := make([]models.OrderLine, 0, len(snapshot.Items))
		for i, item := range snapshot.Items {
			sku := byID[item.SKUID]
			if !sku.IsActive {
				return pkgerrors.New(pkgerrors.CodeValidation,
					fmt.Sprintf("%s is no longer available", sku.Name))
			}
			if err := s.ledger.Decrement(ctx, tx, sku, item.Count); err != nil {
				return err
			}
			subtotal = subtotal.Add(sku.UnitPrice.Mul(decimal.NewFromInt(int64(item.Count))))
			totalCount += item.Count
			lines = append(lines, models.OrderLine{
				ID:        uuid.New(),
				SKUID:     sku.ID,
				SKUName:   sku.Name,
				UnitPrice: sku.UnitPrice,
				Count:     item.Count,
				Position:  i,
			})
		}

		shipping := s.shippingFee(subtotal, totalCount)

		number, err := s.freeOrderNumber(ctx, repo)
		if err != nil {
			return err
		}
		order := &models.Order{
			ID:          uuid.New(),
			Number:      number,
			CustomerID:  customer.ID,
			AddressID:   address.ID,
			Status:      enums.OrderStatusNew,
			Subtotal:    subtotal,
			ShippingFee: shipping,
			ItemCount:   totalCount,
		}
		if err := repo.CreateOrder(ctx, order); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, "order number collision, retry checkout")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating order")
		}
		for i := range lines {
			lines[i].OrderID = order.ID
		}
		if err := repo.CreateOrderLines(ctx, lines); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating order lines")
		}
		order.Lines = lines

		gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
		session, err := s.gateway.CreateCheckoutSession(gwCtx, stripe.SessionParams{
			CustomerEmail: customer.Email,
			ItemName:      stripe.SessionItemName(lines[0].SKUName, len(lines)-1),
			Amount:        subtotal.Add(shipping).IntPart(),
			Method:        input.Method.String(),
		})
		if err != nil {
			return err
		}

		payment := &models.Payment{
			ID:         uuid.New(),
			Number:     session.PaymentIntentID,
			SessionID:  session.ID,
			CustomerID: customer.ID,
			Method:     input.Method,
			Status:     enums.PaymentStatusPending,
			Amount:     subtotal.Add(shipping),
		}
		if err := repo.CreatePayment(ctx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating payment")
		}
		if err := repo.LinkOrderPayment(ctx, order.ID, payment.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "linking payment")
		}
		order.PaymentID = &payment.ID
		order.Payment = payment

		result = &Result{Order: order, Payment: payment, CheckoutURL: session.URL}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.carts.Clear(ctx, cartID, snapshot.SKUIDs()); err != nil {
		s.logg.Warn(ctx, fmt.Sprintf("clearing cart after checkout: %v", err))
	}
	s.notifier.Notify(ctx, notify.Message{
		CustomerID: result.Order.CustomerID,
		Kind:       enums.NotificationKindOrderReceipt,
		Subject:    fmt.Sprintf("Order %s received", result.Order.Number),
		Body:       fmt.Sprintf("We received your order %s. Complete the payment to confirm it.", result.Order.Number),
	})
	return result, nil
}

func (s *service) resolveCustomer(ctx context.Context, repo Repository, input Input) (*models.Customer, error) {
	if input.CustomerID != uuid.Nil {
		customer, err := repo.FindCustomer(ctx, input.CustomerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading customer")
		}
		return customer, nil
	}

	existing, err := repo.FindCustomerByEmail(ctx, input.GuestEmail)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "looking up guest")
	}

	guest := &models.Customer{
		ID:      uuid.New(),
		Email:   input.GuestEmail,
		Name:    input.GuestName,
		IsGuest: true,
	}
	if err := repo.CreateCustomer(ctx, guest); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating guest customer")
	}
	return guest, nil
}

func (s *service) resolveAddress(ctx context.Context, repo Repository, customer *models.Customer, input Input) (*models.Address, error) {
	if input.AddressID != uuid.Nil {
		address, err := repo.FindAddress(ctx, input.AddressID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "address not found")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading address")
		}
		if address.CustomerID != customer.ID {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "address does not belong to customer")
		}
		return address, nil
	}

	in := input.Address
	address := &models.Address{
		ID:         uuid.New(),
		CustomerID: customer.ID,
		Recipient:  in.Recipient,
		PostalCode: in.PostalCode,
		Prefecture: in.Prefecture,
		City:       in.City,
		Line1:      in.Line1,
		Line2:      in.Line2,
		Phone:      in.Phone,
	}
	if err := repo.CreateAddress(ctx, address); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating address")
	}
	return address, nil
}

// shippingFee is free above the threshold, otherwise a flat fee per item.
func (s *service) shippingFee(subtotal decimal.Decimal, totalCount int) decimal.Decimal {
	if subtotal.GreaterThan(decimal.NewFromInt(s.cfg.FreeShippingThreshold)) {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.cfg.PerItemShippingFee * int64(totalCount))
}

// freeOrderNumber draws random numbers until one is unused. The unique index
// on orders.number still backstops the race between check and insert.
func (s *service) freeOrderNumber(ctx context.Context, repo Repository) (string, error) {
	for i := 0; i < numberAttempts; i++ {
		number, err := orders.NewOrderNumber()
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generating order number")
		}
		taken, err := repo.OrderNumberTaken(ctx, number)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "checking order number")
		}
		if !taken {
			return number, nil
		}
	}
	return "", pkgerrors.New(pkgerrors.CodeInternal, "could not allocate an order number")
}

func validateInput(input Input) error {
	if !input.Method.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown payment method")
	}
	if input.CustomerID == uuid.Nil {
		if input.GuestEmail == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "customer id or guest email required")
		}
		if input.Address == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "guest checkout requires a shipping address")
		}
		if input.CartID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "guest checkout requires a cart id")
		}
	} else if input.AddressID == uuid.Nil && input.Address == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "shipping address required")
	}
	return nil
}
