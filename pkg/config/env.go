package config

const EnvPrefix = "RINGORDER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	LedgerBackendFile     = "file"
	LedgerBackendDatabase = "database"
	LockBackendLocal      = "local"

	VerificationModeSimulated = "simulated"
	VerificationModeLive      = "live"

	PaymentProviderStripe = "stripe"
	PaymentProviderSquare = "square"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

const (
	EnvAppEnv              = "RINGORDER_APP_ENV"
	EnvPort                = "RINGORDER_APP_PORT"
	EnvUseSQLite           = "RINGORDER_USE_SQLITE"
	EnvDBDSN               = "RINGORDER_DB_DSN"
	EnvDBHost              = "RINGORDER_DB_HOST"
	EnvDBUser              = "RINGORDER_DB_USER"
	EnvDBName              = "RINGORDER_DB_NAME"
	EnvRedisURL            = "RINGORDER_REDIS_URL"
	EnvTaxRate             = "RINGORDER_TAX_RATE"
	EnvDeliveryFee         = "RINGORDER_DELIVERY_FEE"
	EnvPipelineWorkers     = "RINGORDER_PIPELINE_WORKERS"
	EnvPipelineMaxAttempts = "RINGORDER_PIPELINE_MAX_ATTEMPTS"
	EnvQueueBackend        = "RINGORDER_PIPELINE_QUEUE_BACKEND"
	EnvLedgerBackend       = "RINGORDER_LEDGER_BACKEND"
	EnvLedgerLockBackend   = "RINGORDER_LEDGER_LOCK_BACKEND"
	EnvLedgerLockWait      = "RINGORDER_LEDGER_LOCK_WAIT"
	EnvVerificationMode    = "RINGORDER_VERIFICATION_MODE"
	EnvPaymentProvider     = "RINGORDER_PAYMENT_PROVIDER"
	EnvStripeAPIKey        = "RINGORDER_STRIPE_API_KEY"
	EnvGoogleMapsAPIKey    = "RINGORDER_GOOGLE_MAPS_API_KEY"
	EnvLogFormat           = "RINGORDER_LOG_FORMAT"
	EnvSquareWebhookSecret = "RINGORDER_SQUARE_WEBHOOK_SECRET"
	EnvSquareWebhookURL    = "RINGORDER_SQUARE_WEBHOOK_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
