package config

const EnvPrefix = "STOREFRONT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "STOREFRONT_APP_ENV"
	EnvPort     = "STOREFRONT_APP_PORT"
	EnvLogLevel = "STOREFRONT_LOG_LEVEL"

	EnvDBDSN      = "STOREFRONT_DB_DSN"
	EnvDBHost     = "STOREFRONT_DB_HOST"
	EnvDBPort     = "STOREFRONT_DB_PORT"
	EnvDBUser     = "STOREFRONT_DB_USER"
	EnvDBPassword = "STOREFRONT_DB_PASSWORD"
	EnvDBName     = "STOREFRONT_DB_NAME"
	EnvDBSSLMode  = "STOREFRONT_DB_SSLMODE"

	EnvRedisURL = "STOREFRONT_REDIS_URL"

	EnvStripeAPIKey        = "STOREFRONT_STRIPE_API_KEY"
	EnvStripeWebhookSecret = "STOREFRONT_STRIPE_WEBHOOK_SECRET"
	EnvStripeSuccessURL    = "STOREFRONT_STRIPE_SUCCESS_URL"
	EnvStripeCancelURL     = "STOREFRONT_STRIPE_CANCEL_URL"

	EnvOperatorEmail = "STOREFRONT_NOTIFY_OPERATOR_EMAIL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
