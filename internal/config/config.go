// Package config loads the service configuration from environment
// variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/policy"
)

// Env is the deployment environment.
type Env string

const (
	EnvLocal  Env = "local"
	EnvDocker Env = "docker"
)

type LogConfig struct {
	Level     string `env:"LEVEL" envDefault:"info"`
	Format    string `env:"FORMAT"`
	AddCaller bool   `env:"ADD_CALLER"`
}

// CheckoutConfig tunes the orchestrator.
type CheckoutConfig struct {
	InitTimeout    time.Duration `env:"INIT_TIMEOUT" envDefault:"10s"`
	ProcessTimeout time.Duration `env:"PROCESS_TIMEOUT" envDefault:"30s"`
	SaveTimeout    time.Duration `env:"SAVE_TIMEOUT" envDefault:"10s"`
	// MaxAttempts bounds automatic retries of transient failures, first
	// attempt included.
	MaxAttempts          int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"2s"`
	// RetryRules is a JSON array of policy rules. Empty uses the defaults.
	RetryRules      string        `env:"RETRY_RULES"`
	JournalCapacity int           `env:"JOURNAL_CAPACITY" envDefault:"10000"`
	InFlightTTL     time.Duration `env:"INFLIGHT_TTL" envDefault:"2m"`
}

type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"3"`
	ResetTimeout     time.Duration `env:"RESET_TIMEOUT" envDefault:"30s"`
}

type CardConfig struct {
	Enabled        bool          `env:"ENABLED"`
	SecretKey      string        `env:"SECRET_KEY"`
	PublishableKey string        `env:"PUBLISHABLE_KEY"`
	BaseURL        string        `env:"BASE_URL"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"20s"`
}

type WalletConfig struct {
	Enabled       bool          `env:"ENABLED"`
	BaseURL       string        `env:"BASE_URL"`
	ClientID      string        `env:"CLIENT_ID"`
	Secret        string        `env:"SECRET"`
	HTTPTimeout   time.Duration `env:"HTTP_TIMEOUT" envDefault:"20s"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"2"`
	RetryDelay    time.Duration `env:"RETRY_DELAY" envDefault:"300ms"`
}

type GenericConfig struct {
	Enabled bool `env:"ENABLED"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"checkout.payments"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

type TracingConfig struct {
	Enabled       bool    `env:"ENABLED"`
	SamplingRatio float64 `env:"SAMPLING_RATIO" envDefault:"1"`
}

// Config is the full service configuration.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"checkout-payments"`
	AppEnv          Env           `env:"APP_ENV" envDefault:"local"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// Sandbox replaces every provider with the synthetic mock and keeps
	// state in memory.
	Sandbox     bool   `env:"SANDBOX"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	Log      LogConfig      `envPrefix:"LOG_"`
	Checkout CheckoutConfig `envPrefix:"CHECKOUT_"`
	Breaker  BreakerConfig  `envPrefix:"BREAKER_"`
	Card     CardConfig     `envPrefix:"CARD_"`
	Wallet   WalletConfig   `envPrefix:"WALLET_"`
	Generic  GenericConfig  `envPrefix:"GENERIC_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Tracing  TracingConfig  `envPrefix:"TRACING_"`
}

// Load reads the configuration from the process environment and validates it.
func Load() (Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.AppEnv != EnvLocal && c.AppEnv != EnvDocker {
		errs = append(errs, fmt.Errorf("invalid APP_ENV: %s (must be 'local' or 'docker')", c.AppEnv))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Checkout.InitTimeout <= 0 || c.Checkout.ProcessTimeout <= 0 || c.Checkout.SaveTimeout <= 0 {
		errs = append(errs, errors.New("CHECKOUT_*_TIMEOUT values must be positive"))
	}
	if c.Checkout.MaxAttempts < 1 {
		errs = append(errs, errors.New("CHECKOUT_MAX_ATTEMPTS must be at least 1"))
	}
	if _, err := c.RetryRules(); err != nil {
		errs = append(errs, err)
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be at least 1"))
	}
	if !c.Sandbox {
		if c.Card.Enabled && c.Card.SecretKey == "" {
			errs = append(errs, errors.New("CARD_SECRET_KEY is required when CARD_ENABLED is set"))
		}
		if c.Wallet.Enabled && (c.Wallet.ClientID == "" || c.Wallet.Secret == "") {
			errs = append(errs, errors.New("WALLET_CLIENT_ID and WALLET_SECRET are required when WALLET_ENABLED is set"))
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		errs = append(errs, errors.New("TRACING_SAMPLING_RATIO must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// RetryRules decodes CHECKOUT_RETRY_RULES, falling back to the default rules.
func (c Config) RetryRules() ([]policy.PolicyRule, error) {
	if c.Checkout.RetryRules == "" {
		return policy.DefaultRules(), nil
	}
	var rules []policy.PolicyRule
	if err := json.Unmarshal([]byte(c.Checkout.RetryRules), &rules); err != nil {
		return nil, fmt.Errorf("invalid CHECKOUT_RETRY_RULES: %w", err)
	}
	return rules, nil
}

// LogFields describes the loaded configuration without secrets.
func (c Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("app_env", string(c.AppEnv)),
		zap.String("http_addr", c.HTTPAddr),
		zap.Bool("sandbox", c.Sandbox),
		zap.String("postgres_dsn", maskDSN(c.PostgresDSN)),
		zap.String("redis_addr", c.Redis.Addr),
		zap.Strings("kafka_brokers", c.Kafka.Brokers),
		zap.Bool("card_enabled", c.Card.Enabled),
		zap.Bool("wallet_enabled", c.Wallet.Enabled),
		zap.Bool("generic_enabled", c.Generic.Enabled),
		zap.Int("max_attempts", c.Checkout.MaxAttempts),
		zap.Duration("process_timeout", c.Checkout.ProcessTimeout),
	}
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
