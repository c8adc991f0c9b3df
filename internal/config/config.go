package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string

	PaymentNamespace   string
	PaystackSecret     string
	PaystackBaseURL    string
	FlutterwaveSecret  string
	FlutterwaveBaseURL string
	MpesaSecret        string
	MpesaBaseURL       string
	MpesaShortCode     string

	ProviderTimeout    time.Duration
	ProviderRetryMax   int
	ProviderRetryBase  time.Duration
	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	IntentTTL        time.Duration
	WebhookTolerance time.Duration
	WebhookReplayTTL time.Duration
	IdempotencyTTL   time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	SplitFanoutLimit int
	SweepInterval    time.Duration
	SweepBatchSize   int
	AsynqConcurrency int

	WebhookRateMax    int64
	WebhookRateWindow time.Duration

	LogFormat       string
	LogLevel        string
	TracingEndpoint string
	TracingSampling float64
	MetricBuckets   string

	MigrateOnStart bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		PaymentNamespace:   valueOrDefault(k.String("PAYMENT_NAMESPACE"), "stays"),
		PaystackSecret:     k.String("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:    k.String("PAYSTACK_BASE_URL"),
		FlutterwaveSecret:  k.String("FLUTTERWAVE_SECRET_KEY"),
		FlutterwaveBaseURL: k.String("FLUTTERWAVE_BASE_URL"),
		MpesaSecret:        k.String("MPESA_SECRET_KEY"),
		MpesaBaseURL:       k.String("MPESA_BASE_URL"),
		MpesaShortCode:     k.String("MPESA_SHORT_CODE"),

		ProviderTimeout:    parseDuration(k.String("PROVIDER_TIMEOUT"), "30s"),
		ProviderRetryMax:   intOrDefault(k.Int("PROVIDER_RETRY_MAX"), 2),
		ProviderRetryBase:  parseDuration(k.String("PROVIDER_RETRY_BASE"), "200ms"),
		CircuitMinRequests: intOrDefault(k.Int("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate: floatOrDefault(k.Float64("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		IntentTTL:        parseDuration(k.String("PAYMENT_INTENT_TTL"), "15m"),
		WebhookTolerance: parseDuration(k.String("WEBHOOK_TOLERANCE"), "300s"),
		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		SplitFanoutLimit: intOrDefault(k.Int("SPLIT_FANOUT_LIMIT"), 8),
		SweepInterval:    parseDuration(k.String("SWEEP_INTERVAL"), "1m"),
		SweepBatchSize:   intOrDefault(k.Int("SWEEP_BATCH_SIZE"), 50),
		AsynqConcurrency: intOrDefault(k.Int("ASYNQ_CONCURRENCY"), 10),

		WebhookRateMax:    int64(intOrDefault(k.Int("WEBHOOK_RATE_MAX"), 120)),
		WebhookRateWindow: parseDuration(k.String("WEBHOOK_RATE_WINDOW"), "1m"),

		LogFormat:       valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:        valueOrDefault(k.String("LOG_LEVEL"), "info"),
		TracingEndpoint: k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingSampling: floatOrDefault(k.Float64("OTEL_SAMPLING_RATIO"), 1),
		MetricBuckets:   k.String("METRIC_BUCKETS_MS"),

		MigrateOnStart: parseBool(valueOrDefault(k.String("MIGRATE_ON_START"), "true")),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func floatOrDefault(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
