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
	CORSAllowedOrigins []string

	CashfreeClientID     string
	CashfreeClientSecret string
	CashfreeBaseURL      string
	CashfreeAPIVersion   string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string

	ReturnURLBase string

	StatusPollAttempts int
	StatusPollDelay    time.Duration

	WebhookReplayTTL time.Duration
	IdempotencyTTL   time.Duration

	WebhookRateLimit  string
	ReconcileDelay    time.Duration
	ReconcileMaxRetry int

	OutboundTimeout    time.Duration
	RetryBase          time.Duration
	RetryMaxAttempts   int
	RetryJitterPercent float64

	CircuitMinReq      int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	SecurityHeaders bool
	EnableHSTS      bool
	MaxBodyBytes    int64
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
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		CashfreeClientID:     k.String("CASHFREE_CLIENT_ID"),
		CashfreeClientSecret: k.String("CASHFREE_CLIENT_SECRET"),
		CashfreeBaseURL:      valueOrDefault(k.String("CASHFREE_BASE_URL"), "https://sandbox.cashfree.com/pg"),
		CashfreeAPIVersion:   valueOrDefault(k.String("CASHFREE_API_VERSION"), "2022-09-01"),

		RazorpayKeyID:         k.String("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:     k.String("RAZORPAY_KEY_SECRET"),
		RazorpayWebhookSecret: k.String("RAZORPAY_WEBHOOK_SECRET"),

		ReturnURLBase: strings.TrimRight(strings.TrimSpace(k.String("RETURN_URL_BASE")), "/"),

		StatusPollAttempts: parseInt(k.String("STATUS_POLL_ATTEMPTS"), 5),
		StatusPollDelay:    parseDuration(k.String("STATUS_POLL_DELAY"), "2s"),

		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		WebhookRateLimit:  valueOrDefault(k.String("WEBHOOK_RATE_LIMIT"), "120-M"),
		ReconcileDelay:    parseDuration(k.String("RECONCILE_DELAY"), "5m"),
		ReconcileMaxRetry: parseInt(k.String("RECONCILE_MAX_RETRY"), 5),

		OutboundTimeout:    parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),

		CircuitMinReq:      parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		SecurityHeaders: parseBool(k.String("SECURITY_HEADERS"), true),
		EnableHSTS:      parseBool(k.String("ENABLE_HSTS"), false),
		MaxBodyBytes:    int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.CashfreeClientID == "" && cfg.RazorpayKeyID == "" {
		return nil, errors.New("at least one payment gateway must be configured")
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

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed float64
	if _, err := fmt.Sscanf(trimmed, "%g", &parsed); err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
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
