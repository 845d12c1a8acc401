package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
)

// Repository is the persistence surface for orders and their reviews.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	CreateLines(ctx context.Context, lines []models.OrderLine) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByNumber(ctx context.Context, number string) (*models.Order, error)
	ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]models.Order, error)
	ListShippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	ListReturningBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	Save(ctx context.Context, order *models.Order) error
	CreateReview(ctx context.Context, review *models.Review) error
	FindReviewByLineID(ctx context.Context, lineID uuid.UUID) (*models.Review, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) CreateLines(ctx context.Context, lines []models.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&lines).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Payment").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var order models.Order
	if err := q.Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}

	// associations load outside the locking clause
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", order.ID).
		Order("position ASC").
		Find(&order.Lines).Error; err != nil {
		return nil, err
	}
	if order.PaymentID != nil {
		var payment models.Payment
		if err := r.db.WithContext(ctx).Where("id = ?", *order.PaymentID).First(&payment).Error; err != nil {
			return nil, err
		}
		order.Payment = &payment
	}
	return &order, nil
}

func (r *repository) FindByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Lines.Review").
		Preload("Payment").
		Where("number = ?", number).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// ListShippedBefore lists shipped orders placed at or before the cutoff; the
// completion window runs from order creation, not from shipment.
func (r *repository) ListShippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", enums.OrderStatusShipped, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

func (r *repository) ListReturningBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	q := r.db.WithContext(ctx).
		Where("status = ? AND return_at <= ?", enums.OrderStatusReturning, cutoff).
		Order("return_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

func (r *repository) Save(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(order).Error
}

func (r *repository) CreateReview(ctx context.Context, review *models.Review) error {
	return r.db.WithContext(ctx).Create(review).Error
}

func (r *repository) FindReviewByLineID(ctx context.Context, lineID uuid.UUID) (*models.Review, error) {
	var review models.Review
	if err := r.db.WithContext(ctx).Where("order_line_id = ?", lineID).First(&review).Error; err != nil {
		return nil, err
	}
	return &review, nil
}
