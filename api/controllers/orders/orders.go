package orders

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marumoto/storefront-backend/api/middleware"
	"github.com/marumoto/storefront-backend/api/responses"
	"github.com/marumoto/storefront-backend/api/validators"
	internalorders "github.com/marumoto/storefront-backend/internal/orders"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

// Detail returns one order with its lines and payment after an ownership
// check. Operators see any order.
func Detail(repo internalorders.Repository, logg *logger.Logger, operator bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders repository unavailable"))
			return
		}

		order, err := orderByNumber(r, repo)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !operator && order.CustomerID != middleware.CustomerIDFromContext(r.Context()) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}

		responses.WriteSuccess(w, newOrderResponse(order))
	}
}

// Action applies one lifecycle action to an order. Customer actions go
// through the ownership check inside the service; operator handlers pass
// operator=true and skip it.
func Action(repo internalorders.Repository, svc internalorders.Service, logg *logger.Logger, operator bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil || svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		var payload actionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		action, err := internalorders.ParseAction(payload.Action)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid action"))
			return
		}

		order, err := orderByNumber(r, repo)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.Act(r.Context(), internalorders.ActionInput{
			OrderID:         order.ID,
			Action:          action,
			ActorCustomerID: middleware.CustomerIDFromContext(r.Context()),
			Admin:           operator,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newOrderResponse(updated))
	}
}

// Review records a star rating for one line of a completed order.
func Review(repo internalorders.Repository, svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil || svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		var payload reviewRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rawLineID := strings.TrimSpace(chi.URLParam(r, "lineId"))
		lineID, err := uuid.Parse(rawLineID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid line id"))
			return
		}

		order, err := orderByNumber(r, repo)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		review, err := svc.AddReview(r.Context(), internalorders.ReviewInput{
			OrderID:    order.ID,
			LineID:     lineID,
			CustomerID: middleware.CustomerIDFromContext(r.Context()),
			Rating:     payload.Rating,
			Comment:    payload.Comment,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newReviewResponse(review))
	}
}

func orderByNumber(r *http.Request, repo internalorders.Repository) (*models.Order, error) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number is required")
	}
	order, err := repo.FindByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading order")
	}
	return order, nil
}

type actionRequest struct {
	Action string `json:"action" validate:"required"`
}

type reviewRequest struct {
	Rating  int     `json:"rating" validate:"required,min=1,max=5"`
	Comment *string `json:"comment,omitempty" validate:"omitempty,max=2000"`
}

type orderResponse struct {
	Number      string         `json:"number"`
	Status      string         `json:"status"`
	Subtotal    int64          `json:"subtotal"`
	ShippingFee int64          `json:"shipping_fee"`
	Total       int64          `json:"total"`
	ItemCount   int            `json:"item_count"`
	ShippedAt   *time.Time     `json:"shipped_at,omitempty"`
	ReturnAt    *time.Time     `json:"return_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Payment     *paymentView   `json:"payment,omitempty"`
	Lines       []lineResponse `json:"lines"`
}

type paymentView struct {
	Number string `json:"number"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

type lineResponse struct {
	ID         uuid.UUID `json:"id"`
	SKUID      uuid.UUID `json:"sku_id"`
	SKUName    string    `json:"sku_name"`
	UnitPrice  int64     `json:"unit_price"`
	Count      int       `json:"count"`
	IsReviewed bool      `json:"is_reviewed"`
}

type reviewResponse struct {
	ID      uuid.UUID `json:"id"`
	LineID  uuid.UUID `json:"line_id"`
	Rating  int       `json:"rating"`
	Comment *string   `json:"comment,omitempty"`
}

func newOrderResponse(order *models.Order) orderResponse {
	if order == nil {
		return orderResponse{}
	}
	resp := orderResponse{
		Number:      order.Number,
		Status:      order.Status.String(),
		Subtotal:    order.Subtotal.IntPart(),
		ShippingFee: order.ShippingFee.IntPart(),
		Total:       order.Total().IntPart(),
		ItemCount:   order.ItemCount,
		ShippedAt:   order.ShippedAt,
		ReturnAt:    order.ReturnAt,
		CreatedAt:   order.CreatedAt,
	}
	if order.Payment != nil {
		resp.Payment = &paymentView{
			Number: order.Payment.Number,
			Status: order.Payment.Status.String(),
			Amount: order.Payment.Amount.IntPart(),
			Method: order.Payment.Method.String(),
		}
	}
	for _, line := range order.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			ID:         line.ID,
			SKUID:      line.SKUID,
			SKUName:    line.SKUName,
			UnitPrice:  line.UnitPrice.IntPart(),
			Count:      line.Count,
			IsReviewed: line.Review != nil,
		})
	}
	return resp
}

func newReviewResponse(review *models.Review) reviewResponse {
	if review == nil {
		return reviewResponse{}
	}
	return reviewResponse{
		ID:      review.ID,
		LineID:  review.OrderLineID,
		Rating:  review.Rating,
		Comment: review.Comment,
	}
}
