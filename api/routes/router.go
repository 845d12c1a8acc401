package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marumoto/storefront-backend/api/controllers"
	ordercontrollers "github.com/marumoto/storefront-backend/api/controllers/orders"
	webhookcontrollers "github.com/marumoto/storefront-backend/api/controllers/webhooks"
	"github.com/marumoto/storefront-backend/api/middleware"
	checkoutsvc "github.com/marumoto/storefront-backend/internal/checkout"
	"github.com/marumoto/storefront-backend/internal/orders"
	"github.com/marumoto/storefront-backend/internal/payments"
	stripewebhook "github.com/marumoto/storefront-backend/internal/webhooks/stripe"
	"github.com/marumoto/storefront-backend/pkg/config"
	"github.com/marumoto/storefront-backend/pkg/db"
	"github.com/marumoto/storefront-backend/pkg/logger"
	"github.com/marumoto/storefront-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	checkoutService checkoutsvc.Service,
	ordersRepo orders.Repository,
	ordersService orders.Service,
	paymentsService payments.Service,
	webhookService stripewebhook.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(webhookService, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CustomerContext(logg))

		// guests check out anonymously, so no RequireCustomer here
		r.Post("/checkout", controllers.Checkout(checkoutService, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCustomer(logg))

			r.Route("/orders/{number}", func(r chi.Router) {
				r.Get("/", ordercontrollers.Detail(ordersRepo, logg, false))
				r.Post("/actions", ordercontrollers.Action(ordersRepo, ordersService, logg, false))
				r.Post("/lines/{lineId}/review", ordercontrollers.Review(ordersRepo, ordersService, logg))
			})
			r.Post("/payments/{paymentId}/renew", controllers.RenewPayment(paymentsService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.RequireOperator(cfg.App.OperatorToken, logg))

		r.Route("/orders/{number}", func(r chi.Router) {
			r.Get("/", ordercontrollers.Detail(ordersRepo, logg, true))
			r.Post("/actions", ordercontrollers.Action(ordersRepo, ordersService, logg, true))
		})
	})

	return r
}
