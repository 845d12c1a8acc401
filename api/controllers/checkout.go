package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/marumoto/storefront-backend/api/middleware"
	"github.com/marumoto/storefront-backend/api/responses"
	"github.com/marumoto/storefront-backend/api/validators"
	checkoutsvc "github.com/marumoto/storefront-backend/internal/checkout"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

// Checkout submits the caller's cart. Registered customers reference a saved
// address; guests supply email, name and an inline address, plus the cart id
// the storefront assigned them.
func Checkout(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		method, err := enums.ParsePaymentMethod(payload.Method)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment method"))
			return
		}

		input := checkoutsvc.Input{
			CustomerID: middleware.CustomerIDFromContext(r.Context()),
			GuestEmail: payload.GuestEmail,
			GuestName:  payload.GuestName,
			Method:     method,
		}
		if payload.CartID != nil {
			input.CartID = *payload.CartID
		}
		if payload.AddressID != nil {
			input.AddressID = *payload.AddressID
		}
		if payload.Address != nil {
			input.Address = &checkoutsvc.AddressInput{
				Recipient:  payload.Address.Recipient,
				PostalCode: payload.Address.PostalCode,
				Prefecture: payload.Address.Prefecture,
				City:       payload.Address.City,
				Line1:      payload.Address.Line1,
				Line2:      payload.Address.Line2,
				Phone:      payload.Address.Phone,
			}
		}

		result, err := svc.Execute(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newCheckoutResponse(result))
	}
}

type checkoutRequest struct {
	CartID     *uuid.UUID      `json:"cart_id,omitempty"`
	GuestEmail string          `json:"guest_email,omitempty" validate:"omitempty,email"`
	GuestName  string          `json:"guest_name,omitempty" validate:"omitempty,max=100"`
	AddressID  *uuid.UUID      `json:"address_id,omitempty"`
	Address    *addressRequest `json:"address,omitempty"`
	Method     string          `json:"method" validate:"required"`
}

type addressRequest struct {
	Recipient  string  `json:"recipient" validate:"required,max=100"`
	PostalCode string  `json:"postal_code" validate:"required,max=10"`
	Prefecture string  `json:"prefecture" validate:"required,max=20"`
	City       string  `json:"city" validate:"required,max=50"`
	Line1      string  `json:"line1" validate:"required,max=200"`
	Line2      *string `json:"line2,omitempty" validate:"omitempty,max=200"`
	Phone      *string `json:"phone,omitempty" validate:"omitempty,max=20"`
}

type checkoutResponse struct {
	OrderNumber   string             `json:"order_number"`
	PaymentNumber string             `json:"payment_number"`
	CheckoutURL   string             `json:"checkout_url"`
	Subtotal      int64              `json:"subtotal"`
	ShippingFee   int64              `json:"shipping_fee"`
	Total         int64              `json:"total"`
	Lines         []lineItemResponse `json:"lines"`
}

type lineItemResponse struct {
	SKUID     uuid.UUID `json:"sku_id"`
	SKUName   string    `json:"sku_name"`
	UnitPrice int64     `json:"unit_price"`
	Count     int       `json:"count"`
}

func newCheckoutResponse(result *checkoutsvc.Result) checkoutResponse {
	if result == nil || result.Order == nil || result.Payment == nil {
		return checkoutResponse{}
	}
	return checkoutResponse{
		OrderNumber:   result.Order.Number,
		PaymentNumber: result.Payment.Number,
		CheckoutURL:   result.CheckoutURL,
		Subtotal:      result.Order.Subtotal.IntPart(),
		ShippingFee:   result.Order.ShippingFee.IntPart(),
		Total:         result.Order.Total().IntPart(),
		Lines:         newLineResponses(result.Order.Lines),
	}
}

func newLineResponses(lines []models.OrderLine) []lineItemResponse {
	out := make([]lineItemResponse, 0, len(lines))
	for _, line := range lines {
		out = append(out, lineItemResponse{
			SKUID:     line.SKUID,
			SKUName:   line.SKUName,
			UnitPrice: line.UnitPrice.IntPart(),
			Count:     line.Count,
		})
	}
	return out
}
