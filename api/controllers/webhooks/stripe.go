package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/marumoto/storefront-backend/api/responses"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const stripeSignatureHeader = "Stripe-Signature"

type stripeWebhookService interface {
	HandleEvent(ctx context.Context, payload []byte, sigHeader string) error
}

// StripeWebhook receives checkout session deliveries from Stripe. Signature
// verification, deduplication and fulfillment all live in the service; the
// controller only moves bytes.
func StripeWebhook(svc stripeWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get(stripeSignatureHeader)
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInvalidSignature, "stripe signature missing"))
			return
		}

		if err := svc.HandleEvent(ctx, payload, sigHeader); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, nil)
	}
}
