// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment provider
	StripeSecretKey     string // sk_... API key; empty enables the sandbox gateway
	StripeWebhookSecret string // whsec_... signing secret for webhook verification
	ProviderTimeoutSec  int    // Per-call provider timeout in seconds

	// Marketplace settings
	FeeBPS   int64  // Platform fee in basis points, fixed at authorization
	Currency string // ISO currency code for escrow payments

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret, guards dispute resolution
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultFeeBPS          = 500 // 5%
	DefaultCurrency        = "usd"
	DefaultRateLimit       = 100
	DefaultProviderTimeout = 15
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProviderTimeoutSec:  int(getEnvInt64("PROVIDER_TIMEOUT_SEC", DefaultProviderTimeout)),
		FeeBPS:              getEnvInt64("FEE_BPS", DefaultFeeBPS),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.FeeBPS < 0 || c.FeeBPS > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBPS)
	}
	return nil
}

// SandboxMode reports whether the in-process sandbox gateway should be used
// instead of Stripe.
func (c *Config) SandboxMode() bool {
	return c.StripeSecretKey == ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
