package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marumoto/storefront-backend/internal/cron"
	"github.com/marumoto/storefront-backend/internal/inventory"
	"github.com/marumoto/storefront-backend/internal/notify"
	"github.com/marumoto/storefront-backend/internal/orders"
	"github.com/marumoto/storefront-backend/internal/payments"
	"github.com/marumoto/storefront-backend/pkg/config"
	"github.com/marumoto/storefront-backend/pkg/db"
	"github.com/marumoto/storefront-backend/pkg/logger"
	"github.com/marumoto/storefront-backend/pkg/metrics"
	"github.com/marumoto/storefront-backend/pkg/migrate"
	"github.com/marumoto/storefront-backend/pkg/redis"
	"github.com/marumoto/storefront-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	paymentsRepo := payments.NewRepository(dbClient.DB())
	ordersRepo := orders.NewRepository(dbClient.DB())

	paymentsService, err := payments.NewService(paymentsRepo, dbClient, stripeClient, dispatcher, logg, cfg.Checkout.GatewayTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	ordersService, err := orders.NewService(ordersRepo, dbClient, inventory.NewLedger(), paymentsService, dispatcher, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	expiryJob, err := cron.NewPaymentExpiryJob(cron.PaymentExpiryJobParams{
		Logger:   logg,
		Reader:   paymentsRepo,
		Payments: paymentsService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment expiry job", err)
		os.Exit(1)
	}

	autoCancelJob, err := cron.NewOrderAutoCancelJob(cron.OrderAutoCancelJobParams{
		Logger:   logg,
		DB:       dbClient,
		Payments: paymentsRepo,
		Orders:   ordersService,
		Notifier: dispatcher,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order auto-cancel job", err)
		os.Exit(1)
	}

	autoCompleteJob, err := cron.NewOrderAutoCompleteJob(cron.OrderAutoCompleteJobParams{
		Logger:   logg,
		DB:       dbClient,
		Reader:   ordersRepo,
		Orders:   ordersService,
		Notifier: dispatcher,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order auto-complete job", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	env := cfg.App.Env
	if env == "" {
		env = "local"
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker", env), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(expiryJob, autoCancelJob, autoCompleteJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
