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
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	CORSAllowedOrigins []string

	// Inbound payment gateways.
	PaytikoMerchantSecret  string
	ConfirmoCallbackSecret string
	WebhookReplayTTL       time.Duration
	DispatchTimeout        time.Duration

	// Outbound side-effect targets.
	CommerceBaseURL        string
	CommerceConsumerKey    string
	CommerceConsumerSecret string
	AffiliateEndpoint      string
	AffiliateAPIKey        string
	CRMEndpoint            string
	CRMAPIKey              string
	AnalyticsEndpoint      string
	AnalyticsWriteKey      string

	QuoteRateLimit string
	OTLPEndpoint   string
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

		PaytikoMerchantSecret:  k.String("PAYTIKO_MERCHANT_SECRET"),
		ConfirmoCallbackSecret: k.String("CONFIRMO_CALLBACK_SECRET"),
		WebhookReplayTTL:       parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		DispatchTimeout:        parseDuration(k.String("DISPATCH_TIMEOUT"), "10s"),

		CommerceBaseURL:        strings.TrimRight(k.String("COMMERCE_BASE_URL"), "/"),
		CommerceConsumerKey:    k.String("COMMERCE_CONSUMER_KEY"),
		CommerceConsumerSecret: k.String("COMMERCE_CONSUMER_SECRET"),
		AffiliateEndpoint:      k.String("AFFILIATE_ENDPOINT"),
		AffiliateAPIKey:        k.String("AFFILIATE_API_KEY"),
		CRMEndpoint:            k.String("CRM_ENDPOINT"),
		CRMAPIKey:              k.String("CRM_API_KEY"),
		AnalyticsEndpoint:      k.String("ANALYTICS_ENDPOINT"),
		AnalyticsWriteKey:      k.String("ANALYTICS_WRITE_KEY"),

		QuoteRateLimit: valueOrDefault(k.String("QUOTE_RATE_LIMIT"), "60-M"),
		OTLPEndpoint:   k.String("OTLP_ENDPOINT"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PaytikoMerchantSecret == "" && cfg.ConfirmoCallbackSecret == "" {
		return nil, errors.New("at least one gateway secret is required (PAYTIKO_MERCHANT_SECRET or CONFIRMO_CALLBACK_SECRET)")
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
