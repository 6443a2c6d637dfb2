package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Development bool
	// API configuration
	APIPort    int
	AdminToken string
	// Postgres configuration
	PostgresUser         string
	PostgresPassword     string
	PostgresHost         string
	PostgresPort         int
	PostgresDB           string
	PostgresMaxOpenConns int
	// Storage fallback and retries
	StorageFallbackEnabled bool
	StorageFallbackDir     string
	StorageMaxRetries      int
	StorageRetryDelay      time.Duration
	// Redis coordination store, in-process when empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Telegram configuration
	TelegramBotToken string
	OperatorChatID   int64

	// Stripe configuration
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string
	CreditPriceCents    int64
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Pricing
	CostText     int64
	CostPhoto    int64
	CostVideo    int64
	CostDocument int64

	LowBalanceThreshold       int64
	LowBalanceDebounce        time.Duration
	AutoRechargeMaxFailures   int64
	AutoRechargeFailureWindow time.Duration
	AutoRechargePendingTTL    time.Duration
	SubscriptionAllotment     int64
	CorrelationTTL            time.Duration
	CacheTTL                  time.Duration
	SweepSchedule             string

	// SMTP configuration
	SMTPHost            string
	SMTPPort            int
	SMTPAlternativePort int
	SMTPUser            string
	SMTPPassword        string
	SMTPSender          string
	OperatorEmail       string
}

// LoadConfig loads the configuration from environment variables and validates it
func LoadConfig() (*Config, error) {
	cfg := Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads the environment without validating, for callers that apply
// overrides first.
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Development: getEnvAsBool("DEVELOPMENT", false),
		APIPort:     getEnvAsInt("API_PORT", 6532),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),

		PostgresUser:         getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword:     getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:         getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:         getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:           getEnv("POSTGRES_DB", "nuntius"),
		PostgresMaxOpenConns: getEnvAsInt("POSTGRES_MAX_OPEN_CONNS", 20),

		StorageFallbackEnabled: getEnvAsBool("STORAGE_FALLBACK_ENABLED", true),
		StorageFallbackDir:     getEnv("STORAGE_FALLBACK_DIR", "./data"),
		StorageMaxRetries:      getEnvAsInt("STORAGE_MAX_RETRIES", 3),
		StorageRetryDelay:      getEnvAsDuration("STORAGE_RETRY_DELAY", 50*time.Millisecond),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		OperatorChatID:   getEnvAsInt64("OPERATOR_CHAT_ID", 0),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeCurrency:      getEnv("STRIPE_CURRENCY", "usd"),
		CreditPriceCents:    getEnvAsInt64("CREDIT_PRICE_CENTS", 10),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "https://t.me"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "https://t.me"),

		CostText:     getEnvAsInt64("COST_TEXT", 1),
		CostPhoto:    getEnvAsInt64("COST_PHOTO", 2),
		CostVideo:    getEnvAsInt64("COST_VIDEO", 3),
		CostDocument: getEnvAsInt64("COST_DOCUMENT", 2),

		LowBalanceThreshold:       getEnvAsInt64("LOW_BALANCE_THRESHOLD", 5),
		LowBalanceDebounce:        getEnvAsDuration("LOW_BALANCE_DEBOUNCE", 24*time.Hour),
		AutoRechargeMaxFailures:   getEnvAsInt64("AUTO_RECHARGE_MAX_FAILURES", 3),
		AutoRechargeFailureWindow: getEnvAsDuration("AUTO_RECHARGE_FAILURE_WINDOW", 24*time.Hour),
		AutoRechargePendingTTL:    getEnvAsDuration("AUTO_RECHARGE_PENDING_TTL", 30*time.Minute),
		SubscriptionAllotment:     getEnvAsInt64("SUBSCRIPTION_ALLOTMENT", 0),
		CorrelationTTL:            getEnvAsDuration("CORRELATION_TTL", 7*24*time.Hour),
		CacheTTL:                  getEnvAsDuration("CACHE_TTL", 30*time.Second),
		SweepSchedule:             getEnv("SWEEP_SCHEDULE", "@every 5m"),

		SMTPHost:            getEnv("SMTP_HOST", "smtp.example.com"),
		SMTPPort:            getEnvAsInt("SMTP_PORT", 587),
		SMTPAlternativePort: getEnvAsInt("SMTP_ALTERNATIVE_PORT", 465),
		SMTPUser:            getEnv("SMTP_USER", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		SMTPSender:          getEnv("SMTP_SENDER", ""),
		OperatorEmail:       getEnv("OPERATOR_EMAIL", ""),
	}
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	if c.OperatorChatID == 0 {
		return fmt.Errorf("OPERATOR_CHAT_ID is required")
	}

	if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required")
	}

	if c.CreditPriceCents <= 0 {
		return fmt.Errorf("CREDIT_PRICE_CENTS must be positive")
	}

	for name, cost := range map[string]int64{
		"COST_TEXT": c.CostText, "COST_PHOTO": c.CostPhoto,
		"COST_VIDEO": c.CostVideo, "COST_DOCUMENT": c.CostDocument,
	} {
		if cost < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.AutoRechargeMaxFailures <= 0 {
		return fmt.Errorf("AUTO_RECHARGE_MAX_FAILURES must be positive")
	}

	if c.PostgresDB == "" && !c.StorageFallbackEnabled {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" && !c.StorageFallbackEnabled {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.StorageFallbackEnabled && c.StorageFallbackDir == "" {
		return fmt.Errorf("STORAGE_FALLBACK_DIR is required when the fallback is enabled")
	}

	if c.OperatorEmail != "" && c.SMTPSender == "" {
		return fmt.Errorf("SMTP_SENDER is required when OPERATOR_EMAIL is set")
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsInt64(name string, defaultValue int64) int64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
