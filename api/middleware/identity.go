package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"

	"github.com/marumoto/storefront-backend/api/responses"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const (
	customerIDHeader    = "X-Customer-Id"
	operatorTokenHeader = "X-Operator-Token"
)

type contextKey string

const ctxCustomerID contextKey = "customer_id"

// CustomerIDFromContext returns the caller's customer id, or uuid.Nil for
// anonymous requests.
func CustomerIDFromContext(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	if v, ok := ctx.Value(ctxCustomerID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// CustomerContext parses the customer id header into the request context.
// Requests without the header pass through anonymous; a malformed id is
// rejected rather than silently dropped.
func CustomerContext(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(customerIDHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid customer id"))
				return
			}

			ctx := context.WithValue(r.Context(), ctxCustomerID, id)
			if logg != nil {
				ctx = logg.WithField(ctx, "customer_id", id.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCustomer rejects anonymous requests.
func RequireCustomer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if CustomerIDFromContext(r.Context()) == uuid.Nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "customer identity missing"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOperator gates back-office routes behind the shared operator token.
func RequireOperator(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "operator access not configured"))
				return
			}
			presented := r.Header.Get(operatorTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "operator token rejected"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
