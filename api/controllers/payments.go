package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/marumoto/storefront-backend/api/middleware"
	"github.com/marumoto/storefront-backend/api/responses"
	"github.com/marumoto/storefront-backend/internal/payments"
	"github.com/marumoto/storefront-backend/pkg/db/models"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

// RenewPayment opens a fresh gateway session for the caller's expired payment.
func RenewPayment(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		rawID := strings.TrimSpace(chi.URLParam(r, "paymentId"))
		paymentID, err := uuid.Parse(rawID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment id"))
			return
		}

		payment, err := svc.Renew(r.Context(), payments.RenewInput{
			PaymentID:  paymentID,
			CustomerID: middleware.CustomerIDFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPaymentResponse(payment))
	}
}

type paymentResponse struct {
	ID        uuid.UUID `json:"id"`
	Number    string    `json:"number"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Method    string    `json:"method"`
}

func newPaymentResponse(payment *models.Payment) paymentResponse {
	if payment == nil {
		return paymentResponse{}
	}
	return paymentResponse{
		ID:        payment.ID,
		Number:    payment.Number,
		SessionID: payment.SessionID,
		Status:    payment.Status.String(),
		Amount:    payment.Amount.IntPart(),
		Method:    payment.Method.String(),
	}
}
