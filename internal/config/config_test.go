package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "FEE_BPS", "250")
	setEnv(t, "STRIPE_SECRET_KEY", "")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(250), cfg.FeeBPS)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.True(t, cfg.SandboxMode())
}

func TestLoad_StripeKeyWithoutWebhookSecret(t *testing.T) {
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "sandbox config",
			config:  Config{Env: "development", FeeBPS: 500},
			wantErr: "",
		},
		{
			name: "stripe config",
			config: Config{
				Env:                 "production",
				FeeBPS:              500,
				StripeSecretKey:     "sk_live_123",
				StripeWebhookSecret: "whsec_123",
			},
			wantErr: "",
		},
		{
			name: "stripe key without webhook secret",
			config: Config{
				Env:             "development",
				StripeSecretKey: "sk_test_123",
			},
			wantErr: "STRIPE_WEBHOOK_SECRET is required",
		},
		{
			name:    "production without stripe key",
			config:  Config{Env: "production", FeeBPS: 500},
			wantErr: "STRIPE_SECRET_KEY is required in production",
		},
		{
			name:    "fee over 100 percent",
			config:  Config{Env: "development", FeeBPS: 10001},
			wantErr: "FEE_BPS",
		},
		{
			name:    "negative fee",
			config:  Config{Env: "development", FeeBPS: -1},
			wantErr: "FEE_BPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_SandboxMode(t *testing.T) {
	cfg := &Config{}
	assert.True(t, cfg.SandboxMode())

	cfg.StripeSecretKey = "sk_test_123"
	assert.False(t, cfg.SandboxMode())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
