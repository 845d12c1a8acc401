package orders

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/pkg/db"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

func setupOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:orders_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS customers (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  is_guest INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  number TEXT NOT NULL UNIQUE,
  session_id TEXT NOT NULL,
  customer_id TEXT NOT NULL,
  method TEXT NOT NULL DEFAULT 'card',
  status TEXT NOT NULL DEFAULT 'pending',
  amount NUMERIC NOT NULL,
  refunded_amount NUMERIC NOT NULL DEFAULT 0,
  paid_at DATETIME,
  expired_at DATETIME,
  refunded_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  number TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  address_id TEXT NOT NULL,
  payment_id TEXT,
  status TEXT NOT NULL DEFAULT 'new',
  subtotal NUMERIC NOT NULL,
  shipping_fee NUMERIC NOT NULL,
  item_count INTEGER NOT NULL,
  return_at DATETIME,
  shipped_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  deleted_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS order_lines (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  sku_id TEXT NOT NULL,
  sku_name TEXT NOT NULL,
  unit_price NUMERIC NOT NULL,
  count INTEGER NOT NULL,
  position INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS reviews (
  id TEXT PRIMARY KEY,
  order_line_id TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  rating INTEGER NOT NULL,
  comment TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	}
	for _, stmt := range ddl {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

type stubRestorer struct {
	restored [][]models.OrderLine
}

func (r *stubRestorer) Restore(_ context.Context, _ *gorm.DB, lines []models.OrderLine) error {
	r.restored = append(r.restored, lines)
	return nil
}

type stubRefunder struct {
	err    error
	orders []uuid.UUID
}

func (r *stubRefunder) RefundOrder(_ context.Context, _ *gorm.DB, order *models.Order) error {
	if r.err != nil {
		return r.err
	}
	r.orders = append(r.orders, order.ID)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.messages...)
}

type orderFixture struct {
	conn     *gorm.DB
	svc      *service
	restorer *stubRestorer
	refunder *stubRefunder
	notifier *recordingNotifier
	now      time.Time
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	conn := setupOrdersTestDB(t)
	restorer := &stubRestorer{}
	ref := &stubRefunder{}
	notif := &recordingNotifier{}
	logg := logger.New(logger.Options{ServiceName: "orders-test", Level: logger.ParseLevel("error"), Output: io.Discard})

	svc, err := NewService(NewRepository(conn), db.NewWithConn(conn), restorer, ref, notif, logg)
	require.NoError(t, err)

	f := &orderFixture{
		conn:     conn,
		svc:      svc.(*service),
		restorer: restorer,
		refunder: ref,
		notifier: notif,
		now:      time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	f.svc.clock = func() time.Time { return f.now }
	return f
}

func (f *orderFixture) seedCustomer(t *testing.T) *models.Customer {
	t.Helper()
	customer := models.Customer{ID: uuid.New(), Email: fmt.Sprintf("%s@example.com", uuid.NewString()[:8]), Name: "Taro"}
	require.NoError(t, f.conn.Create(&customer).Error)
	return &customer
}

func (f *orderFixture) seedPayment(t *testing.T, customerID uuid.UUID, status enums.PaymentStatus) *models.Payment {
	t.Helper()
	payment := models.Payment{
		ID:         uuid.New(),
		Number:     "pi_" + uuid.NewString()[:8],
		SessionID:  "cs_" + uuid.NewString()[:8],
		CustomerID: customerID,
		Method:     enums.PaymentMethodCard,
		Status:     status,
		Amount:     decimal.NewFromInt(2500),
	}
	require.NoError(t, f.conn.Create(&payment).Error)
	return &payment
}

func (f *orderFixture) seedOrder(t *testing.T, customerID uuid.UUID, paymentID *uuid.UUID, status enums.OrderStatus) *models.Order {
	t.Helper()
	order := models.Order{
		ID:          uuid.New(),
		Number:      uuid.NewString()[:12],
		CustomerID:  customerID,
		AddressID:   uuid.New(),
		PaymentID:   paymentID,
		Status:      status,
		Subtotal:    decimal.NewFromInt(2000),
		ShippingFee: decimal.NewFromInt(500),
		ItemCount:   2,
	}
	require.NoError(t, f.conn.Create(&order).Error)

	line := models.OrderLine{
		ID:        uuid.New(),
		OrderID:   order.ID,
		SKUID:     uuid.New(),
		SKUName:   "genmaicha",
		UnitPrice: decimal.NewFromInt(1000),
		Count:     2,
	}
	require.NoError(t, f.conn.Create(&line).Error)
	order.Lines = []models.OrderLine{line}
	return &order
}

func TestActShipSetsShippedAt(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusConfirmed)

	updated, err := f.svc.Act(context.Background(), ActionInput{OrderID: order.ID, Action: ActionShip, Admin: true})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusShipped, updated.Status)
	require.NotNil(t, updated.ShippedAt)
	require.True(t, updated.ShippedAt.Equal(f.now))

	msgs := f.notifier.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, enums.NotificationKindOrderShipped, msgs[0].Kind)
}

func TestActShipRequiresOperator(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusConfirmed)

	_, err := f.svc.Act(context.Background(), ActionInput{OrderID: order.ID, Action: ActionShip, ActorCustomerID: customer.ID})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeForbidden, typed.Code())
}

func TestActRejectsOtherCustomersOrder(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusNew)

	_, err := f.svc.Act(context.Background(), ActionInput{OrderID: order.ID, Action: ActionRequestCancel, ActorCustomerID: uuid.New()})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeForbidden, typed.Code())
}

func TestActCancelPaidOrderRestoresAndRefunds(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	payment := f.seedPayment(t, customer.ID, enums.PaymentStatusSucceeded)
	order := f.seedOrder(t, customer.ID, &payment.ID, enums.OrderStatusConfirmed)
	ctx := context.Background()

	updated, err := f.svc.Act(ctx, ActionInput{OrderID: order.ID, Action: ActionRequestCancel, ActorCustomerID: customer.ID})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelling, updated.Status)
	require.Empty(t, f.restorer.restored, "stock stays reserved while the cancel is pending")

	updated, err = f.svc.Act(ctx, ActionInput{OrderID: order.ID, Action: ActionConfirmCancel, Admin: true})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, updated.Status)

	require.Len(t, f.restorer.restored, 1)
	require.Len(t, f.restorer.restored[0], 1)
	require.Equal(t, []uuid.UUID{order.ID}, f.refunder.orders)

	msgs := f.notifier.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, enums.NotificationKindOrderCancelled, msgs[0].Kind)

	// cancelled is terminal: a second cancel is rejected and nothing is
	// restored or refunded twice
	_, err = f.svc.Act(ctx, ActionInput{OrderID: order.ID, Action: ActionRequestCancel, ActorCustomerID: customer.ID})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeInvalidTransition, typed.Code())
	require.Len(t, f.restorer.restored, 1)
	require.Equal(t, []uuid.UUID{order.ID}, f.refunder.orders)
}

func TestActCancelUnpaidOrderSkipsRefund(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusNew)
	ctx := context.Background()

	_, err := f.svc.Act(ctx, ActionInput{OrderID: order.ID, Action: ActionRequestCancel, ActorCustomerID: customer.ID})
	require.NoError(t, err)
	updated, err := f.svc.Act(ctx, ActionInput{OrderID: order.ID, Action: ActionConfirmCancel, Admin: true})
	require.NoError(t, err)

	require.Equal(t, enums.OrderStatusCancelled, updated.Status)
	require.Len(t, f.restorer.restored, 1)
	require.Empty(t, f.refunder.orders)
}

func TestActStopCancelResumesByPaymentState(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)

	paid := f.seedPayment(t, customer.ID, enums.PaymentStatusSucceeded)
	paidOrder := f.seedOrder(t, customer.ID, &paid.ID, enums.OrderStatusCancelling)
	unpaidOrder := f.seedOrder(t, customer.ID, nil, enums.OrderStatusCancelling)
	ctx := context.Background()

	updated, err := f.svc.Act(ctx, ActionInput{OrderID: paidOrder.ID, Action: ActionStopCancel, ActorCustomerID: customer.ID})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusConfirmed, updated.Status)

	updated, err = f.svc.Act(ctx, ActionInput{OrderID: unpaidOrder.ID, Action: ActionStopCancel, ActorCustomerID: customer.ID})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusNew, updated.Status)
}

func (f *orderFixture) ageOrder(t *testing.T, orderID uuid.UUID, age time.Duration) {
	t.Helper()
	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", orderID).
		Update("created_at", f.now.Add(-age)).Error)
}

func TestActRequestReturnOutsideWindow(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	f.ageOrder(t, order.ID, 33*24*time.Hour)

	_, err := f.svc.Act(context.Background(), ActionInput{OrderID: order.ID, Action: ActionRequestReturn, ActorCustomerID: customer.ID})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeInvalidTransition, typed.Code())
}

func TestActRequestReturnInsideWindow(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	f.ageOrder(t, order.ID, 5*24*time.Hour)

	updated, err := f.svc.Act(context.Background(), ActionInput{OrderID: order.ID, Action: ActionRequestReturn, ActorCustomerID: customer.ID})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusReturning, updated.Status)
	require.NotNil(t, updated.ReturnAt)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusNew)
	ctx := context.Background()

	require.NoError(t, f.svc.Confirm(ctx, f.conn, order))
	require.Equal(t, enums.OrderStatusConfirmed, order.Status)
	require.NoError(t, f.svc.Confirm(ctx, f.conn, order))

	var got models.Order
	require.NoError(t, f.conn.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, enums.OrderStatusConfirmed, got.Status)
}

func TestCancelForExpiredPayment(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	ctx := context.Background()

	for _, status := range []enums.OrderStatus{enums.OrderStatusNew, enums.OrderStatusCancelling} {
		order := f.seedOrder(t, customer.ID, nil, status)
		require.NoError(t, f.svc.CancelForExpiredPayment(ctx, f.conn, order))

		var got models.Order
		require.NoError(t, f.conn.First(&got, "id = ?", order.ID).Error)
		require.Equal(t, enums.OrderStatusCancelled, got.Status)
	}
	require.Len(t, f.restorer.restored, 2)

	shipped := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	err := f.svc.CancelForExpiredPayment(ctx, f.conn, shipped)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeInvalidTransition, typed.Code())
}

func TestCompleteMature(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	ctx := context.Background()

	aged := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	f.ageOrder(t, aged.ID, 33*24*time.Hour)
	require.NoError(t, f.svc.CompleteMature(ctx, f.conn, aged, f.now))
	require.Equal(t, enums.OrderStatusCompleted, aged.Status)

	fresh := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	f.ageOrder(t, fresh.ID, 24*time.Hour)
	err := f.svc.CompleteMature(ctx, f.conn, fresh, f.now)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeInvalidTransition, typed.Code())
}

func TestCompleteMatureLeavesMovedOrderAlone(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	ctx := context.Background()

	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	f.ageOrder(t, order.ID, 33*24*time.Hour)

	// a customer return lands between the sweep listing the order and the
	// job's transaction
	returnAt := f.now.Add(-time.Hour)
	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", order.ID).
		Updates(map[string]any{"status": enums.OrderStatusReturning, "return_at": returnAt}).Error)

	require.NoError(t, f.svc.CompleteMature(ctx, f.conn, order, f.now))

	var got models.Order
	require.NoError(t, f.conn.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, enums.OrderStatusReturning, got.Status, "active return must survive the sweep")
	require.NotNil(t, got.ReturnAt)
	require.Equal(t, enums.OrderStatusReturning, order.Status, "caller's copy reflects the fresh row")
}

func TestConfirmLeavesCancellingOrderAlone(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	ctx := context.Background()

	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusNew)
	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("status", enums.OrderStatusCancelling).Error)

	require.NoError(t, f.svc.Confirm(ctx, f.conn, order))

	var got models.Order
	require.NoError(t, f.conn.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, enums.OrderStatusCancelling, got.Status, "webhook must not overwrite an in-flight cancel")
}

func TestAddReview(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusCompleted)
	ctx := context.Background()

	lineID := order.Lines[0].ID
	comment := "arrived quickly"
	review, err := f.svc.AddReview(ctx, ReviewInput{OrderID: order.ID, LineID: lineID, CustomerID: customer.ID, Rating: 5, Comment: &comment})
	require.NoError(t, err)
	require.Equal(t, lineID, review.OrderLineID)

	_, err = f.svc.AddReview(ctx, ReviewInput{OrderID: order.ID, LineID: lineID, CustomerID: customer.ID, Rating: 4})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeConflict, typed.Code())

	_, err = f.svc.AddReview(ctx, ReviewInput{OrderID: order.ID, LineID: uuid.New(), CustomerID: customer.ID, Rating: 4})
	typed = pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeNotFound, typed.Code())

	pending := f.seedOrder(t, customer.ID, nil, enums.OrderStatusShipped)
	_, err = f.svc.AddReview(ctx, ReviewInput{OrderID: pending.ID, LineID: pending.Lines[0].ID, CustomerID: customer.ID, Rating: 3})
	typed = pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeInvalidTransition, typed.Code())

	_, err = f.svc.AddReview(ctx, ReviewInput{OrderID: order.ID, LineID: lineID, CustomerID: customer.ID, Rating: 9})
	typed = pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newOrderFixture(t)
	customer := f.seedCustomer(t)
	order := f.seedOrder(t, customer.ID, nil, enums.OrderStatusNew)
	ctx := context.Background()

	got, err := f.svc.Get(ctx, order.ID, customer.ID, false)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)

	_, err = f.svc.Get(ctx, order.ID, uuid.New(), false)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeForbidden, typed.Code())

	got, err = f.svc.Get(ctx, order.ID, uuid.Nil, true)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)
}
