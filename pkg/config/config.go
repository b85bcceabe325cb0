package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Pricing      PricingConfig
	Pipeline     PipelineConfig
	Ledger       LedgerConfig
	Verification VerificationConfig
	Recovery     RecoveryConfig
	Eventing     EventingConfig
	GoogleMaps   GoogleMapsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Stripe       StripeConfig
	Square       SquareConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if !cfg.FeatureFlags.UseSQLite {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RINGORDER_APP_ENV" required:"true"`
	Port         string `envconfig:"RINGORDER_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"RINGORDER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RINGORDER_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"RINGORDER_LOG_FORMAT" default:"json"`
	CORSOrigins  string `envconfig:"RINGORDER_CORS_ORIGINS" default:"http://localhost:3000"`
}

// AllowedOrigins splits the comma separated CORS origin list.
func (a AppConfig) AllowedOrigins() []string {
	out := []string{}
	for _, origin := range strings.Split(a.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

// ConsoleLogs reports whether logs should be human readable.
func (a AppConfig) ConsoleLogs() bool {
	return strings.EqualFold(strings.TrimSpace(a.LogFormat), LogFormatConsole)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"RINGORDER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN        string `envconfig:"RINGORDER_DB_DSN"`
	SQLitePath string `envconfig:"RINGORDER_DB_SQLITE_PATH" default:"ringorder.db"`

	LegacyHost     string `envconfig:"RINGORDER_DB_HOST"`
	LegacyPort     int    `envconfig:"RINGORDER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RINGORDER_DB_USER"`
	LegacyPassword string `envconfig:"RINGORDER_DB_PASSWORD"`
	LegacyName     string `envconfig:"RINGORDER_DB_NAME"`
	LegacySSLMode  string `envconfig:"RINGORDER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RINGORDER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RINGORDER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RINGORDER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RINGORDER_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQuery time.Duration `envconfig:"RINGORDER_DB_SLOW_QUERY" default:"200ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RINGORDER_REDIS_URL"`
	Address      string        `envconfig:"RINGORDER_REDIS_ADDR"`
	Password     string        `envconfig:"RINGORDER_REDIS_PASSWORD"`
	DB           int           `envconfig:"RINGORDER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RINGORDER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RINGORDER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RINGORDER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RINGORDER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RINGORDER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Configured reports whether any redis endpoint was supplied.
func (r RedisConfig) Configured() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"RINGORDER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"RINGORDER_AUTO_MIGRATE" default:"false"`
}

type PricingConfig struct {
	TaxRate     decimal.Decimal `envconfig:"RINGORDER_TAX_RATE" default:"0.08875"`
	DeliveryFee decimal.Decimal `envconfig:"RINGORDER_DELIVERY_FEE" default:"5.99"`
	Currency    string          `envconfig:"RINGORDER_CURRENCY" default:"usd"`
}

type PipelineConfig struct {
	Workers               int           `envconfig:"RINGORDER_PIPELINE_WORKERS" default:"4"`
	MaxAttempts           int           `envconfig:"RINGORDER_PIPELINE_MAX_ATTEMPTS" default:"4"`
	BaseBackoff           time.Duration `envconfig:"RINGORDER_PIPELINE_BASE_BACKOFF" default:"2s"`
	MaxBackoff            time.Duration `envconfig:"RINGORDER_PIPELINE_MAX_BACKOFF" default:"1m"`
	BackoffJitter         time.Duration `envconfig:"RINGORDER_PIPELINE_BACKOFF_JITTER" default:"250ms"`
	VerificationTimeout   time.Duration `envconfig:"RINGORDER_PIPELINE_VERIFICATION_TIMEOUT" default:"10s"`
	LeaseTimeout          time.Duration `envconfig:"RINGORDER_PIPELINE_LEASE_TIMEOUT" default:"2m"`
	ClaimTTL              time.Duration `envconfig:"RINGORDER_PIPELINE_CLAIM_TTL" default:"2m"`
	QueueBackend          string        `envconfig:"RINGORDER_PIPELINE_QUEUE_BACKEND" default:"memory"`
	QueueName             string        `envconfig:"RINGORDER_PIPELINE_QUEUE_NAME" default:"finalization"`
	EmbeddedWorkers       bool          `envconfig:"RINGORDER_PIPELINE_EMBEDDED_WORKERS" default:"false"`
	IntakeEnqueueAttempts int           `envconfig:"RINGORDER_PIPELINE_INTAKE_ENQUEUE_ATTEMPTS" default:"3"`
}

type LedgerConfig struct {
	Backend     string        `envconfig:"RINGORDER_LEDGER_BACKEND" default:"file"`
	Dir         string        `envconfig:"RINGORDER_LEDGER_DIR" default:"./data/ledger"`
	LockBackend string        `envconfig:"RINGORDER_LEDGER_LOCK_BACKEND" default:"local"`
	LockWait    time.Duration `envconfig:"RINGORDER_LEDGER_LOCK_WAIT" default:"30s"`
	LockTTL     time.Duration `envconfig:"RINGORDER_LEDGER_LOCK_TTL" default:"45s"`
	LockPoll    time.Duration `envconfig:"RINGORDER_LEDGER_LOCK_POLL" default:"50ms"`
}

type VerificationConfig struct {
	Mode                string        `envconfig:"RINGORDER_VERIFICATION_MODE" default:"simulated"`
	PaymentProvider     string        `envconfig:"RINGORDER_PAYMENT_PROVIDER" default:"stripe"`
	DeclineRate         float64       `envconfig:"RINGORDER_SIM_DECLINE_RATE" default:"0.10"`
	TimeoutRate         float64       `envconfig:"RINGORDER_SIM_TIMEOUT_RATE" default:"0.05"`
	AddressTimeoutRate  float64       `envconfig:"RINGORDER_SIM_ADDRESS_TIMEOUT_RATE" default:"0"`
	MinLatency          time.Duration `envconfig:"RINGORDER_SIM_MIN_LATENCY" default:"50ms"`
	MaxLatency          time.Duration `envconfig:"RINGORDER_SIM_MAX_LATENCY" default:"200ms"`
	Seed                int64         `envconfig:"RINGORDER_SIM_SEED" default:"1"`
	DeliveryZips        string        `envconfig:"RINGORDER_DELIVERY_ZIPS" default:"10001-10014,10016-10021"`
	DeliveryRadiusMiles float64       `envconfig:"RINGORDER_DELIVERY_RADIUS_MILES" default:"5"`
	OriginLat           float64       `envconfig:"RINGORDER_RESTAURANT_LAT" default:"40.7484"`
	OriginLng           float64       `envconfig:"RINGORDER_RESTAURANT_LNG" default:"-73.9857"`
}

// Live reports whether verifiers should call real providers.
func (v VerificationConfig) Live() bool {
	return strings.EqualFold(strings.TrimSpace(v.Mode), VerificationModeLive)
}

type RecoveryConfig struct {
	Interval    time.Duration `envconfig:"RINGORDER_RECOVERY_INTERVAL" default:"1m"`
	IntakeGrace time.Duration `envconfig:"RINGORDER_RECOVERY_INTAKE_GRACE" default:"2m"`
	BatchSize   int           `envconfig:"RINGORDER_RECOVERY_BATCH_SIZE" default:"100"`
	LockTTL     time.Duration `envconfig:"RINGORDER_RECOVERY_LOCK_TTL" default:"55s"`
	// PaymentDeadline bounds how long an order waits for a provider
	// confirmation before it fails as payment_unconfirmed.
	PaymentDeadline time.Duration `envconfig:"RINGORDER_RECOVERY_PAYMENT_DEADLINE" default:"30m"`
	DispatchGrace   time.Duration `envconfig:"RINGORDER_RECOVERY_DISPATCH_GRACE" default:"1m"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"RINGORDER_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GoogleMapsConfig struct {
	APIKey   string `envconfig:"RINGORDER_GOOGLE_MAPS_API_KEY"`
	Region   string `envconfig:"RINGORDER_GOOGLE_MAPS_REGION" default:"us"`
	Language string `envconfig:"RINGORDER_GOOGLE_MAPS_LANGUAGE" default:"en"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"RINGORDER_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"RINGORDER_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	KitchenTopic string `envconfig:"RINGORDER_PUBSUB_KITCHEN_TOPIC" default:"ringorder-kitchen-tickets"`
}

type OutboxConfig struct {
	Enabled        bool `envconfig:"RINGORDER_OUTBOX_ENABLED" default:"false"`
	BatchSize      int  `envconfig:"RINGORDER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int  `envconfig:"RINGORDER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int  `envconfig:"RINGORDER_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int  `envconfig:"RINGORDER_OUTBOX_RETENTION_DAYS" default:"30"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"RINGORDER_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"RINGORDER_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"RINGORDER_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SquareConfig struct {
	AccessToken   string `envconfig:"RINGORDER_SQUARE_ACCESS_TOKEN"`
	LocationID    string `envconfig:"RINGORDER_SQUARE_LOCATION_ID"`
	WebhookSecret string `envconfig:"RINGORDER_SQUARE_WEBHOOK_SECRET"`
	WebhookURL    string `envconfig:"RINGORDER_SQUARE_WEBHOOK_URL"`
	Env           string `envconfig:"RINGORDER_SQUARE_ENV" default:"sandbox"`
}

func (c *Config) validate() error {
	problems := []string{}

	if !oneOf(c.Pipeline.QueueBackend, BackendMemory, BackendRedis) {
		problems = append(problems, fmt.Sprintf("%s must be memory or redis", EnvQueueBackend))
	}
	if !oneOf(c.Ledger.Backend, LedgerBackendFile, LedgerBackendDatabase) {
		problems = append(problems, fmt.Sprintf("%s must be file or database", EnvLedgerBackend))
	}
	if !oneOf(c.Ledger.LockBackend, LockBackendLocal, BackendRedis) {
		problems = append(problems, fmt.Sprintf("%s must be local or redis", EnvLedgerLockBackend))
	}
	if !oneOf(c.Verification.Mode, VerificationModeSimulated, VerificationModeLive) {
		problems = append(problems, fmt.Sprintf("%s must be simulated or live", EnvVerificationMode))
	}
	if (strings.EqualFold(c.Pipeline.QueueBackend, BackendRedis) || strings.EqualFold(c.Ledger.LockBackend, BackendRedis)) && !c.Redis.Configured() {
		problems = append(problems, fmt.Sprintf("%s is required for redis backends", EnvRedisURL))
	}
	if c.Pipeline.Workers < 1 {
		problems = append(problems, fmt.Sprintf("%s must be at least 1", EnvPipelineWorkers))
	}
	if c.Pipeline.MaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("%s must be at least 1", EnvPipelineMaxAttempts))
	}
	if c.Pricing.TaxRate.IsNegative() || c.Pricing.DeliveryFee.IsNegative() {
		problems = append(problems, "pricing values must not be negative")
	}
	if c.Ledger.LockWait <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be positive", EnvLedgerLockWait))
	}
	if !oneOf(c.App.LogFormat, LogFormatJSON, LogFormatConsole) {
		problems = append(problems, fmt.Sprintf("%s must be json or console", EnvLogFormat))
	}
	if c.Square.WebhookSecret != "" && c.Square.WebhookURL == "" {
		problems = append(problems, fmt.Sprintf("%s is required to verify square signatures", EnvSquareWebhookURL))
	}

	if c.Verification.Live() {
		switch strings.ToLower(c.Verification.PaymentProvider) {
		case PaymentProviderStripe:
			if c.Stripe.APIKey == "" {
				problems = append(problems, fmt.Sprintf("%s is required for live stripe verification", EnvStripeAPIKey))
			}
		case PaymentProviderSquare:
			if c.Square.AccessToken == "" || c.Square.LocationID == "" {
				problems = append(problems, "square access token and location id are required for live square verification")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s must be stripe or square", EnvPaymentProvider))
		}
		if c.GoogleMaps.APIKey == "" {
			problems = append(problems, fmt.Sprintf("%s is required for live address verification", EnvGoogleMapsAPIKey))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(value string, options ...string) bool {
	for _, option := range options {
		if strings.EqualFold(strings.TrimSpace(value), option) {
			return true
		}
	}
	return false
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
