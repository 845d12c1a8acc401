package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
)

// Repository is the persistence surface for payments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByNumber(ctx context.Context, number string) (*models.Payment, error)
	FindByNumberForUpdate(ctx context.Context, number string) (*models.Payment, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	ListAutoCancelable(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	ListOrdersWithLines(ctx context.Context, paymentID uuid.UUID) ([]models.Order, error)
	CountActiveOrders(ctx context.Context, paymentID uuid.UUID, excludeOrderID uuid.UUID) (int64, error)
	FindCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	Save(ctx context.Context, payment *models.Payment) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var payment models.Payment
	if err := q.Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByNumber(ctx context.Context, number string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("number = ?", number).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByNumberForUpdate(ctx context.Context, number string) (*models.Payment, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var payment models.Payment
	if err := q.Where("number = ?", number).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ? AND created_at > ?",
			enums.PaymentStatusPending,
			now.Add(-ExpiryGraceStart),
			now.Add(-AutoCancelAfter)).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *repository) ListAutoCancelable(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	q := r.db.WithContext(ctx).
		Where("status IN ? AND created_at <= ?",
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusExpired},
			now.Add(-AutoCancelAfter)).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *repository) ListOrdersWithLines(ctx context.Context, paymentID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

func (r *repository) CountActiveOrders(ctx context.Context, paymentID uuid.UUID, excludeOrderID uuid.UUID) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("payment_id = ? AND status <> ?", paymentID, enums.OrderStatusCancelled)
	if excludeOrderID != uuid.Nil {
		q = q.Where("id <> ?", excludeOrderID)
	}
	err := q.Count(&count).Error
	return count, err
}

func (r *repository) FindCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *repository) Save(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(payment).Error
}
