package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/marumoto/storefront-backend/pkg/config"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client wraps Stripe's API client plus env-specific metadata.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
	successURL    string
	cancelURL     string
	currency      string
}

// Session is the subset of a gateway checkout session the engine records.
type Session struct {
	ID              string
	PaymentIntentID string
	URL             string
}

// SessionParams describes the single-line-item session created at checkout.
type SessionParams struct {
	CustomerEmail string
	ItemName      string
	Amount        int64
	Method        string
}

// SessionItemName renders the aggregate line-item label shown on the hosted
// checkout page.
func SessionItemName(first string, otherCount int) string {
	if otherCount <= 0 {
		return first
	}
	return fmt.Sprintf("%s and other %d items", first, otherCount)
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := stripe.NewClient(apiKey)
	stripe.Key = apiKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:           api,
		environment:   env,
		signingSecret: signingSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		currency:      cfg.Currency,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// CreateCheckoutSession opens a payment-mode checkout session for the
// aggregate amount. The whole purchase is billed as one line item.
func (c *Client) CreateCheckoutSession(ctx context.Context, params SessionParams) (Session, error) {
	if c == nil || c.api == nil {
		return Session{}, errors.New("stripe client not initialized")
	}
	method := params.Method
	if method == "" {
		method = "card"
	}

	create := &stripe.CheckoutSessionCreateParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(c.successURL),
		CancelURL:          stripe.String(c.cancelURL),
		CustomerEmail:      stripe.String(params.CustomerEmail),
		PaymentMethodTypes: stripe.StringSlice([]string{method}),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(c.currency),
					UnitAmount: stripe.Int64(params.Amount),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(params.ItemName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}

	sess, err := c.api.V1CheckoutSessions.Create(ctx, create)
	if err != nil {
		return Session{}, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "creating checkout session")
	}

	out := Session{ID: sess.ID, URL: sess.URL}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	return out, nil
}

// CreateRefund refunds amount against the given payment intent reference.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, amount int64) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("stripe client not initialized")
	}
	if paymentIntentID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payment intent reference is required")
	}

	refund, err := c.api.V1Refunds.Create(ctx, &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amount),
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeRefundFailed, err, "creating refund")
	}
	return string(refund.Status), nil
}

// VerifyEvent checks the webhook signature and decodes the event payload.
func (c *Client) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if c == nil || c.signingSecret == "" {
		return stripe.Event{}, errors.New("stripe client not initialized")
	}
	event, err := webhook.ConstructEvent(payload, sigHeader, c.signingSecret)
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "verifying webhook signature")
	}
	return event, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
