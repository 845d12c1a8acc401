package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/marumoto/storefront-backend/api/routes"
	"github.com/marumoto/storefront-backend/internal/cart"
	"github.com/marumoto/storefront-backend/internal/checkout"
	"github.com/marumoto/storefront-backend/internal/inventory"
	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/internal/orders"
	"github.com/marumoto/storefront-backend/internal/payments"
	stripewebhook "github.com/marumoto/storefront-backend/internal/webhooks/stripe"
	"github.com/marumoto/storefront-backend/pkg/config"
	"github.com/marumoto/storefront-backend/pkg/db"
	"github.com/marumoto/storefront-backend/pkg/logger"
	"github.com/marumoto/storefront-backend/pkg/migrate"
	"github.com/marumoto/storefront-backend/pkg/redis"
	"github.com/marumoto/storefront-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe client", err)
		os.Exit(1)
	}

	recorder, err := notify.NewRecorder(dbClient.DB(), notify.LogSender{}, cfg.Notify.OperatorEmail)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification recorder", err)
		os.Exit(1)
	}
	dispatcher, err := notify.NewDispatcher(recorder, logg, cfg.Notify.DispatchTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification dispatcher", err)
		os.Exit(1)
	}

	cartService, err := cart.NewService(redisClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create cart service", err)
		os.Exit(1)
	}

	ledger := inventory.NewLedger()
	paymentsRepo := payments.NewRepository(dbClient.DB())
	ordersRepo := orders.NewRepository(dbClient.DB())

	paymentsService, err := payments.NewService(paymentsRepo, dbClient, stripeClient, dispatcher, logg, cfg.Checkout.GatewayTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	ordersService, err := orders.NewService(ordersRepo, dbClient, ledger, paymentsService, dispatcher, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	checkoutService, err := checkout.NewService(checkout.NewRepository(dbClient.DB()), dbClient, cartService, ledger, stripeClient, dispatcher, logg, cfg.Checkout)
	if err != nil {
		logg.Error(context.Background(), "failed to create checkout service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(paymentsRepo, dbClient, stripeClient, paymentsService, ordersService, stripewebhook.NewGuard(redisClient), dispatcher, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, checkoutService, ordersRepo, ordersService, paymentsService, webhookService),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
