package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/policy"
)

func loadFrom(t *testing.T, environ map[string]string) (Config, error) {
	t.Helper()
	return load(env.Options{Environment: environ})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, EnvLocal, cfg.AppEnv)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Checkout.InitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Checkout.ProcessTimeout)
	assert.Equal(t, 3, cfg.Checkout.MaxAttempts)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "checkout.payments", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Card.Enabled)

	rules, err := cfg.RetryRules()
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultRules(), rules)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{
		"APP_ENV":                  "docker",
		"CHECKOUT_PROCESS_TIMEOUT": "45s",
		"CHECKOUT_MAX_ATTEMPTS":    "5",
		"KAFKA_BROKERS":            "kafka-1:9092,kafka-2:9092",
		"CARD_ENABLED":             "true",
		"CARD_SECRET_KEY":          "sk_test_123",
		"WALLET_RETRY_DELAY":       "1s",
		"CHECKOUT_RETRY_RULES":     `[{"id":"no_jpy_retry","expression":"currency == 'JPY'","priority":1,"decision":{"allow_retry":false}}]`,
	})
	require.NoError(t, err)

	assert.Equal(t, EnvDocker, cfg.AppEnv)
	assert.Equal(t, 45*time.Second, cfg.Checkout.ProcessTimeout)
	assert.Equal(t, 5, cfg.Checkout.MaxAttempts)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "sk_test_123", cfg.Card.SecretKey)
	assert.Equal(t, time.Second, cfg.Wallet.RetryDelay)

	rules, err := cfg.RetryRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "no_jpy_retry", rules[0].ID)
	assert.False(t, rules[0].Decision.AllowRetry)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr string
	}{
		{"bad app env", map[string]string{"APP_ENV": "prod"}, "invalid APP_ENV"},
		{"zero attempts", map[string]string{"CHECKOUT_MAX_ATTEMPTS": "0"}, "CHECKOUT_MAX_ATTEMPTS"},
		{"card without key", map[string]string{"CARD_ENABLED": "true"}, "CARD_SECRET_KEY"},
		{"wallet without credentials", map[string]string{"WALLET_ENABLED": "true"}, "WALLET_CLIENT_ID"},
		{"malformed rules", map[string]string{"CHECKOUT_RETRY_RULES": "{"}, "CHECKOUT_RETRY_RULES"},
		{"bad duration", map[string]string{"CHECKOUT_SAVE_TIMEOUT": "soon"}, "parse environment"},
		{"sampling ratio", map[string]string{"TRACING_SAMPLING_RATIO": "2"}, "TRACING_SAMPLING_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(t, tt.environ)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_SandboxSkipsProviderCredentials(t *testing.T) {
	_, err := loadFrom(t, map[string]string{"SANDBOX": "true", "CARD_ENABLED": "true"})
	assert.NoError(t, err)
}

func TestLogFields_MasksDSN(t *testing.T) {
	cfg := Config{PostgresDSN: "postgres://checkout:hunter2@db:5432/checkout?sslmode=disable"}
	for _, f := range cfg.LogFields() {
		if f.Key == "postgres_dsn" {
			assert.NotContains(t, f.String, "hunter2")
			assert.Contains(t, f.String, "db:5432")
			return
		}
	}
	t.Fatal("postgres_dsn field missing")
}
