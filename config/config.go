package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Proxy       ProxyConfig
	Logging     LoggingConfig
	Metrics     MetricsConfig
	Admin       AdminConfig
	Redis       RedisConfig
	Billing     BillingConfig
	Gate        GateConfig
	Quota       QuotaConfig
	SpendCap    SpendCapConfig
	Tracer      TracerConfig
	Webhook     WebhookConfig
	Scheduler   SchedulerConfig
	Alert       AlertConfig
	Backend     BackendConfig
	Concurrency ConcurrencyConfig
	Bucket      BucketConfig
	Breaker     BreakerConfig
	Sandbox     SandboxConfig
}

type ServerConfig struct {
	Host                    string
	Port                    int
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// ProxyConfig governs the backend proxy executor: attempt budget,
// per-attempt timeout, and exponential backoff (spec §4.9).
type ProxyConfig struct {
	WorkerCount    int
	RetryAttempts  int
	RetryDelay     time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string // json or text
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type AdminConfig struct {
	AdminSecret string
}

type BillingConfig struct {
	StripePublicKey     string
	StripeSecretKey     string
	StripeWebhookSecret string
	PriceCreditsSmall   string
	PriceCreditsMedium  string
	PriceCreditsLarge   string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PortalReturnURL     string
}

// GateConfig configures the admission pipeline: pricing defaults and
// shadow-mode toggles (spec §4.8).
type GateConfig struct {
	DefaultCreditsPerCall int64
	CreditsPerKBInput     int64
	ShadowModeGlobal      bool
	GlobalRateLimitPerMin int
	TokenBucketEnabled    bool
}

// QuotaConfig carries the closed set of quota limits described in spec
// §3 ("0 ⇒ no limit"). Per-key overrides live on the key record itself;
// this section only supplies process-wide defaults for newly created keys.
type QuotaConfig struct {
	DailyCallLimit     int64
	MonthlyCallLimit   int64
	DailyCreditLimit   int64
	MonthlyCreditLimit int64
	HourlyCallLimit    int64
	HourlyCreditLimit  int64
}

// SpendCapConfig configures server-wide daily caps and the breach action
// (spec §4.5).
type SpendCapConfig struct {
	ServerDailyCallCap     int64
	ServerDailyCreditCap   int64
	BreachAction           string // "deny" | "suspend"
	AutoResumeAfterSeconds int64
}

// TracerConfig configures the in-memory tracer and its OTLP emitter
// (spec §4.12).
type TracerConfig struct {
	Enabled         bool
	SampleRate      float64
	MaxTraces       int
	MaxAgeMs        int64
	OTLPEndpoint    string
	OTLPAuthHeader  string
	OTLPMaxBatch    int
	FlushIntervalMs int64
	ServiceName     string
	ServiceVersion  string
}

// WebhookConfig configures the webhook batcher (spec §4.13).
type WebhookConfig struct {
	MaxBatchSize    int
	MaxQueueSize    int
	FlushIntervalMs int64
}

// SchedulerConfig configures the single background ticker (spec §9 /
// SPEC_FULL §12 Open Question resolution).
type SchedulerConfig struct {
	TickInterval    time.Duration
	RetentionPeriod time.Duration
}

// AlertConfig configures the five alert rule thresholds from spec §4.14.
// A zero threshold disables that rule's evaluator from ever matching.
type AlertConfig struct {
	SpendingThresholdPercent float64
	CreditsLowThreshold      int64
	QuotaWarningPercent      float64
	KeyExpirySoonSeconds     float64
	RateLimitSpikeCount      float64
	CooldownMs               int64
	DryRun                   bool
}

// BackendConfig resolves a tool name to the backend URL the proxy
// executor dispatches to; ToolBackends wins over DefaultBackendURL.
type BackendConfig struct {
	DefaultBackendURL string
	ToolBackends      map[string]string
}

// ConcurrencyConfig configures the three-axis in-flight call limiter
// (spec §4.3). Zero means unlimited for that axis.
type ConcurrencyConfig struct {
	MaxPerKey     int
	MaxPerTool    int
	MaxPerKeyTool int
}

// BucketConfig configures the optional per-key token bucket (spec §4.2),
// active only when GateConfig.TokenBucketEnabled is set.
type BucketConfig struct {
	Capacity   int64
	RefillRate int64
	Interval   time.Duration
	MaxKeys    int
}

// BreakerConfig configures the per-tool circuit breaker (spec §4.7).
type BreakerConfig struct {
	FailureThreshold int
	CooldownMs       int64
}

// SandboxConfig configures the default try-before-buy trial policy
// applied to keys whose Record.SandboxPolicy names it.
type SandboxConfig struct {
	DefaultPolicyName    string
	DefaultWindowSeconds int64
	DefaultMaxCalls      int64
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                    getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:             getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:            getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:             getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			GracefulShutdownTimeout: getEnvDuration("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 1*time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Proxy: ProxyConfig{
			WorkerCount:    getEnvInt("PROXY_WORKER_COUNT", 4),
			RetryAttempts:  getEnvInt("PROXY_RETRY_ATTEMPTS", 3),
			RetryDelay:     getEnvDuration("PROXY_RETRY_DELAY", 200*time.Millisecond),
			MaxBackoff:     getEnvDuration("PROXY_MAX_BACKOFF", 5*time.Second),
			AttemptTimeout: getEnvDuration("PROXY_ATTEMPT_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Admin: AdminConfig{
			AdminSecret: getEnv("ADMIN_SECRET", ""),
		},
		Billing: BillingConfig{
			StripePublicKey:     getEnv("STRIPE_PUBLIC_KEY", ""),
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PriceCreditsSmall:   getEnv("STRIPE_PRICE_CREDITS_SMALL", ""),
			PriceCreditsMedium:  getEnv("STRIPE_PRICE_CREDITS_MEDIUM", ""),
			PriceCreditsLarge:   getEnv("STRIPE_PRICE_CREDITS_LARGE", ""),
			CheckoutSuccessURL:  getEnv("STRIPE_CHECKOUT_SUCCESS_URL", "https://dashboard.example.com/billing/success"),
			CheckoutCancelURL:   getEnv("STRIPE_CHECKOUT_CANCEL_URL", "https://dashboard.example.com/billing/cancel"),
			PortalReturnURL:     getEnv("STRIPE_PORTAL_RETURN_URL", "https://dashboard.example.com/billing"),
		},
		Gate: GateConfig{
			DefaultCreditsPerCall: int64(getEnvInt("GATE_DEFAULT_CREDITS_PER_CALL", 1)),
			CreditsPerKBInput:     int64(getEnvInt("GATE_CREDITS_PER_KB_INPUT", 0)),
			ShadowModeGlobal:      getEnvBool("GATE_SHADOW_MODE", false),
			GlobalRateLimitPerMin: getEnvInt("GATE_GLOBAL_RATE_LIMIT_PER_MIN", 0),
			TokenBucketEnabled:    getEnvBool("GATE_TOKEN_BUCKET_ENABLED", false),
		},
		Quota: QuotaConfig{
			DailyCallLimit:     int64(getEnvInt("QUOTA_DAILY_CALL_LIMIT", 0)),
			MonthlyCallLimit:   int64(getEnvInt("QUOTA_MONTHLY_CALL_LIMIT", 0)),
			DailyCreditLimit:   int64(getEnvInt("QUOTA_DAILY_CREDIT_LIMIT", 0)),
			MonthlyCreditLimit: int64(getEnvInt("QUOTA_MONTHLY_CREDIT_LIMIT", 0)),
			HourlyCallLimit:    int64(getEnvInt("QUOTA_HOURLY_CALL_LIMIT", 0)),
			HourlyCreditLimit:  int64(getEnvInt("QUOTA_HOURLY_CREDIT_LIMIT", 0)),
		},
		SpendCap: SpendCapConfig{
			ServerDailyCallCap:     int64(getEnvInt("SPENDCAP_SERVER_DAILY_CALL_CAP", 0)),
			ServerDailyCreditCap:   int64(getEnvInt("SPENDCAP_SERVER_DAILY_CREDIT_CAP", 0)),
			BreachAction:           getEnv("SPENDCAP_BREACH_ACTION", "deny"),
			AutoResumeAfterSeconds: int64(getEnvInt("SPENDCAP_AUTO_RESUME_AFTER_SECONDS", 3600)),
		},
		Tracer: TracerConfig{
			Enabled:         getEnvBool("TRACER_ENABLED", true),
			SampleRate:      getEnvFloat("TRACER_SAMPLE_RATE", 1.0),
			MaxTraces:       getEnvInt("TRACER_MAX_TRACES", 10000),
			MaxAgeMs:        int64(getEnvInt("TRACER_MAX_AGE_MS", 3600000)),
			OTLPEndpoint:    getEnv("TRACER_OTLP_ENDPOINT", ""),
			OTLPAuthHeader:  getEnv("TRACER_OTLP_AUTH_HEADER", ""),
			OTLPMaxBatch:    getEnvInt("TRACER_OTLP_MAX_BATCH", 100),
			FlushIntervalMs: int64(getEnvInt("TRACER_FLUSH_INTERVAL_MS", 5000)),
			ServiceName:     getEnv("TRACER_SERVICE_NAME", "toolgate"),
			ServiceVersion:  getEnv("TRACER_SERVICE_VERSION", "dev"),
		},
		Webhook: WebhookConfig{
			MaxBatchSize:    getEnvInt("WEBHOOK_MAX_BATCH_SIZE", 20),
			MaxQueueSize:    getEnvInt("WEBHOOK_MAX_QUEUE_SIZE", 10000),
			FlushIntervalMs: int64(getEnvInt("WEBHOOK_FLUSH_INTERVAL_MS", 5000)),
		},
		Scheduler: SchedulerConfig{
			TickInterval:    getEnvDuration("SCHEDULER_TICK_INTERVAL", 500*time.Millisecond),
			RetentionPeriod: getEnvDuration("SCHEDULER_RETENTION_PERIOD", 7*24*time.Hour),
		},
		Alert: AlertConfig{
			SpendingThresholdPercent: getEnvFloat("ALERT_SPENDING_THRESHOLD_PERCENT", 90),
			CreditsLowThreshold:      int64(getEnvInt("ALERT_CREDITS_LOW_THRESHOLD", 100)),
			QuotaWarningPercent:      getEnvFloat("ALERT_QUOTA_WARNING_PERCENT", 90),
			KeyExpirySoonSeconds:     getEnvFloat("ALERT_KEY_EXPIRY_SOON_SECONDS", 86400),
			RateLimitSpikeCount:      getEnvFloat("ALERT_RATE_LIMIT_SPIKE_COUNT", 20),
			CooldownMs:               int64(getEnvInt("ALERT_COOLDOWN_MS", 3600000)),
			DryRun:                   getEnvBool("ALERT_DRY_RUN", false),
		},
		Backend: BackendConfig{
			DefaultBackendURL: getEnv("BACKEND_DEFAULT_URL", ""),
			ToolBackends:      getEnvMap("TOOL_BACKENDS"),
		},
		Concurrency: ConcurrencyConfig{
			MaxPerKey:     getEnvInt("CONCURRENCY_MAX_PER_KEY", 0),
			MaxPerTool:    getEnvInt("CONCURRENCY_MAX_PER_TOOL", 0),
			MaxPerKeyTool: getEnvInt("CONCURRENCY_MAX_PER_KEY_TOOL", 0),
		},
		Bucket: BucketConfig{
			Capacity:   int64(getEnvInt("BUCKET_CAPACITY", 60)),
			RefillRate: int64(getEnvInt("BUCKET_REFILL_RATE", 60)),
			Interval:   getEnvDuration("BUCKET_INTERVAL", time.Minute),
			MaxKeys:    getEnvInt("BUCKET_MAX_KEYS", 100000),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			CooldownMs:       int64(getEnvInt("BREAKER_COOLDOWN_MS", 30000)),
		},
		Sandbox: SandboxConfig{
			DefaultPolicyName:    getEnv("SANDBOX_DEFAULT_POLICY_NAME", "trial"),
			DefaultWindowSeconds: int64(getEnvInt("SANDBOX_DEFAULT_WINDOW_SECONDS", 86400)),
			DefaultMaxCalls:      int64(getEnvInt("SANDBOX_DEFAULT_MAX_CALLS", 100)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}
	if c.Proxy.WorkerCount < 1 {
		return fmt.Errorf("proxy worker count must be at least 1")
	}
	if c.SpendCap.BreachAction != "" && c.SpendCap.BreachAction != "deny" && c.SpendCap.BreachAction != "suspend" {
		return fmt.Errorf("invalid spend cap breach action: %s", c.SpendCap.BreachAction)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvMap parses a "k1=v1,k2=v2" environment variable into a map, for
// the tool-name-to-backend-URL routing table.
func getEnvMap(key string) map[string]string {
	m := make(map[string]string)
	value := os.Getenv(key)
	if value == "" {
		return m
	}
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return m
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
