package payments

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
	"github.com/marumoto/storefront-backend/pkg/stripe"
)

func setupPaymentsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
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
	}
	for _, stmt := range ddl {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

type stubGateway struct {
	session    stripe.Session
	sessionErr error
	refundErr  error

	sessionParams []stripe.SessionParams
	refunds       []int64
	refundIntents []string
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, params stripe.SessionParams) (stripe.Session, error) {
	g.sessionParams = append(g.sessionParams, params)
	if g.sessionErr != nil {
		return stripe.Session{}, g.sessionErr
	}
	return g.session, nil
}

func (g *stubGateway) CreateRefund(_ context.Context, paymentIntentID string, amount int64) (string, error) {
	if g.refundErr != nil {
		return "", g.refundErr
	}
	g.refundIntents = append(g.refundIntents, paymentIntentID)
	g.refunds = append(g.refunds, amount)
	return "re_" + uuid.NewString()[:8], nil
}

type stubNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *stubNotifier) Notify(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *stubNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.messages...)
}

func newTestPaymentService(t *testing.T, conn *gorm.DB, gw *stubGateway, n *stubNotifier, now time.Time) *service {
	t.Helper()

	logg := logger.New(logger.Options{ServiceName: "payments-test", Level: logger.ParseLevel("error"), Output: io.Discard})
	svc, err := NewService(NewRepository(conn), db.NewWithConn(conn), gw, n, logg, time.Second)
	require.NoError(t, err)

	impl := svc.(*service)
	impl.clock = func() time.Time { return now }
	return impl
}

func seedPayment(t *testing.T, conn *gorm.DB, status enums.PaymentStatus, createdAt time.Time) *models.Payment {
	t.Helper()

	customer := models.Customer{ID: uuid.New(), Email: fmt.Sprintf("%s@example.com", uuid.NewString()[:8]), Name: "Hanako"}
	require.NoError(t, conn.Create(&customer).Error)

	payment := models.Payment{
		ID:             uuid.New(),
		Number:         "pi_" + uuid.NewString()[:8],
		SessionID:      "cs_" + uuid.NewString()[:8],
		CustomerID:     customer.ID,
		Method:         enums.PaymentMethodCard,
		Status:         status,
		Amount:         decimal.NewFromInt(3000),
		RefundedAmount: decimal.Zero,
		CreatedAt:      createdAt,
	}
	require.NoError(t, conn.Create(&payment).Error)
	return &payment
}

func seedPaidOrder(t *testing.T, conn *gorm.DB, payment *models.Payment, subtotal, shipping int64) *models.Order {
	t.Helper()

	order := models.Order{
		ID:          uuid.New(),
		Number:      uuid.NewString()[:12],
		CustomerID:  payment.CustomerID,
		AddressID:   uuid.New(),
		PaymentID:   &payment.ID,
		Status:      enums.OrderStatusConfirmed,
		Subtotal:    decimal.NewFromInt(subtotal),
		ShippingFee: decimal.NewFromInt(shipping),
		ItemCount:   1,
	}
	require.NoError(t, conn.Create(&order).Error)

	line := models.OrderLine{
		ID:        uuid.New(),
		OrderID:   order.ID,
		SKUID:     uuid.New(),
		SKUName:   "sencha",
		UnitPrice: decimal.NewFromInt(subtotal),
		Count:     1,
	}
	require.NoError(t, conn.Create(&line).Error)
	order.Lines = []models.OrderLine{line}
	return &order
}

func TestPayMarksSucceeded(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	svc := newTestPaymentService(t, conn, &stubGateway{}, &stubNotifier{}, now)
	ctx := context.Background()

	expiredAt := now.Add(-time.Hour)
	payment := seedPayment(t, conn, enums.PaymentStatusExpired, now.Add(-31*time.Hour))
	payment.ExpiredAt = &expiredAt
	require.NoError(t, conn.Save(payment).Error)

	require.NoError(t, svc.Pay(ctx, conn, payment))

	var got models.Payment
	require.NoError(t, conn.First(&got, "id = ?", payment.ID).Error)
	require.Equal(t, enums.PaymentStatusSucceeded, got.Status)
	require.NotNil(t, got.PaidAt)
	require.Nil(t, got.ExpiredAt)

	// settling twice is a no-op
	require.NoError(t, svc.Pay(ctx, conn, &got))
}

func TestPayRejectsRefundedPayment(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	svc := newTestPaymentService(t, conn, &stubGateway{}, &stubNotifier{}, now)

	payment := seedPayment(t, conn, enums.PaymentStatusRefunded, now.Add(-time.Hour))

	err := svc.Pay(context.Background(), conn, payment)
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	require.Equal(t, pkgerrors.CodeInvalidTransition, appErr.Code())
}

func TestExpireMarksStalePayment(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	notif := &stubNotifier{}
	svc := newTestPaymentService(t, conn, &stubGateway{}, notif, now)

	payment := seedPayment(t, conn, enums.PaymentStatusPending, now.Add(-31*time.Hour))

	require.NoError(t, svc.Expire(context.Background(), payment.ID))

	var got models.Payment
	require.NoError(t, conn.First(&got, "id = ?", payment.ID).Error)
	require.Equal(t, enums.PaymentStatusExpired, got.Status)
	require.NotNil(t, got.ExpiredAt)

	msgs := notif.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, enums.NotificationKindPaymentExpired, msgs[0].Kind)
	require.Equal(t, payment.CustomerID, msgs[0].CustomerID)
}

func TestExpireLeavesSettledPaymentAlone(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	notif := &stubNotifier{}
	svc := newTestPaymentService(t, conn, &stubGateway{}, notif, now)

	payment := seedPayment(t, conn, enums.PaymentStatusSucceeded, now.Add(-31*time.Hour))

	require.NoError(t, svc.Expire(context.Background(), payment.ID))

	var got models.Payment
	require.NoError(t, conn.First(&got, "id = ?", payment.ID).Error)
	require.Equal(t, enums.PaymentStatusSucceeded, got.Status)
	require.Empty(t, notif.sent())
}

func TestRenewOpensFreshSession(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	gw := &stubGateway{session: stripe.Session{ID: "cs_renewed", PaymentIntentID: "pi_renewed", URL: "https://pay.example/cs_renewed"}}
	svc := newTestPaymentService(t, conn, gw, &stubNotifier{}, now)

	payment := seedPayment(t, conn, enums.PaymentStatusExpired, now.Add(-40*time.Hour))
	seedPaidOrder(t, conn, payment, 2500, 500)

	renewed, err := svc.Renew(context.Background(), RenewInput{PaymentID: payment.ID, CustomerID: payment.CustomerID})
	require.NoError(t, err)
	require.Equal(t, "pi_renewed", renewed.Number)
	require.Equal(t, "cs_renewed", renewed.SessionID)
	require.Equal(t, enums.PaymentStatusPending, renewed.Status)
	require.Nil(t, renewed.ExpiredAt)
	require.True(t, renewed.CreatedAt.Equal(now), "renewal must restart the expiry clock")

	require.Len(t, gw.sessionParams, 1)
	require.Equal(t, "sencha", gw.sessionParams[0].ItemName)
	require.Equal(t, int64(3000), gw.sessionParams[0].Amount)
}

func TestRenewRejectsOtherCustomer(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	svc := newTestPaymentService(t, conn, &stubGateway{}, &stubNotifier{}, now)

	payment := seedPayment(t, conn, enums.PaymentStatusExpired, now.Add(-40*time.Hour))

	_, err := svc.Renew(context.Background(), RenewInput{PaymentID: payment.ID, CustomerID: uuid.New()})
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	require.Equal(t, pkgerrors.CodeForbidden, appErr.Code())
}

func TestRenewRequiresExpiredStatus(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	svc := newTestPaymentService(t, conn, &stubGateway{}, &stubNotifier{}, now)

	payment := seedPayment(t, conn, enums.PaymentStatusPending, now.Add(-time.Hour))

	_, err := svc.Renew(context.Background(), RenewInput{PaymentID: payment.ID, CustomerID: payment.CustomerID})
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	require.Equal(t, pkgerrors.CodeInvalidTransition, appErr.Code())
}

func TestRefundOrderPartialThenFull(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	gw := &stubGateway{}
	svc := newTestPaymentService(t, conn, gw, &stubNotifier{}, now)
	ctx := context.Background()

	payment := seedPayment(t, conn, enums.PaymentStatusSucceeded, now.Add(-time.Hour))
	first := seedPaidOrder(t, conn, payment, 2000, 500)
	second := seedPaidOrder(t, conn, payment, 1500, 500)

	require.NoError(t, svc.RefundOrder(ctx, conn, first))

	var got models.Payment
	require.NoError(t, conn.First(&got, "id = ?", payment.ID).Error)
	require.Equal(t, enums.PaymentStatusSucceeded, got.Status, "payment with live orders stays succeeded")
	require.True(t, got.RefundedAmount.Equal(decimal.NewFromInt(2500)))
	require.Equal(t, []int64{2500}, gw.refunds)
	require.Equal(t, payment.Number, gw.refundIntents[0])

	require.NoError(t, conn.Model(&models.Order{}).Where("id = ?", first.ID).
		Update("status", enums.OrderStatusCancelled).Error)

	require.NoError(t, svc.RefundOrder(ctx, conn, second))

	require.NoError(t, conn.First(&got, "id = ?", payment.ID).Error)
	require.Equal(t, enums.PaymentStatusRefunded, got.Status)
	require.NotNil(t, got.RefundedAt)
	require.True(t, got.RefundedAmount.Equal(decimal.NewFromInt(4500)))
}

func TestRefundOrderGatewayFailureLeavesPayment(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	gw := &stubGateway{refundErr: pkgerrors.New(pkgerrors.CodeRefundFailed, "gateway rejected the refund")}
	svc := newTestPaymentService(t, conn, gw, &stubNotifier{}, now)

	payment := seedPayment(t, conn, enums.PaymentStatusSucceeded, now.Add(-time.Hour))
	order := seedPaidOrder(t, conn, payment, 2000, 500)

	err := svc.RefundOrder(context.Background(), conn, order)
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	require.Equal(t, pkgerrors.CodeRefundFailed, appErr.Code())

	var got models.Payment
	require.NoError(t, conn.First(&got, "id = ?", payment.ID).Error)
	require.Equal(t, enums.PaymentStatusSucceeded, got.Status)
	require.True(t, got.RefundedAmount.IsZero())
}

func TestRefundOrderRequiresSucceededPayment(t *testing.T) {
	conn := setupPaymentsTestDB(t)
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	svc := newTestPaymentService(t, conn, &stubGateway{}, &stubNotifier{}, now)

	payment := seedPayment(t, conn, enums.PaymentStatusPending, now.Add(-time.Hour))
	order := seedPaidOrder(t, conn, payment, 2000, 500)

	err := svc.RefundOrder(context.Background(), conn, order)
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	require.Equal(t, pkgerrors.CodeInvalidTransition, appErr.Code())
}
