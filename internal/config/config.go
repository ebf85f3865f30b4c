// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration. In development mode the
// storage URLs may be empty, which switches the service to in-memory
// backends.
type Config struct {
	Environment string
	ListenAddr  string

	DatabaseURL      string
	GenerationDBPath string
	RedisAddr        string

	GeneratorURL  string
	PaymentAPIURL string
	PaymentAPIKey string

	WebhookSecret    string
	WebhookAllowlist []string

	TrialGrant         int
	MaxAreasPerRequest int
	MaxParallelAreas   int
	AreaTimeout        time.Duration

	RateLimitCapacity  int
	RateLimitRefillSec float64
	MaxBodyBytes       int64
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getenv("APP_ENV", "development"),
		ListenAddr:  getenv("API_ADDR", ":8080"),

		DatabaseURL:      os.Getenv("DATABASE_URL"),
		GenerationDBPath: getenv("GENERATION_DB_PATH", "yardgen.db"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),

		GeneratorURL:  os.Getenv("GENERATOR_URL"),
		PaymentAPIURL: os.Getenv("PAYMENT_API_URL"),
		PaymentAPIKey: os.Getenv("PAYMENT_API_KEY"),

		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WebhookAllowlist: splitList(os.Getenv("WEBHOOK_IP_ALLOWLIST")),

		TrialGrant:         getenvInt("TRIAL_GRANT", 3),
		MaxAreasPerRequest: getenvInt("MAX_AREAS_PER_REQUEST", 10),
		MaxParallelAreas:   getenvInt("MAX_PARALLEL_AREAS", 8),
		AreaTimeout:        getenvDuration("AREA_TIMEOUT", 2*time.Minute),

		RateLimitCapacity:  getenvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefillSec: getenvFloat("RATE_LIMIT_REFILL_PER_SEC", 10),
		MaxBodyBytes:       int64(getenvInt("MAX_BODY_BYTES", 1<<20)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Development reports whether the service runs without external backends.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

// Validate checks the configuration. Production and staging require the
// external backends and the webhook secret; development runs without them.
func (c *Config) Validate() error {
	if c.TrialGrant < 0 {
		return errors.New("TRIAL_GRANT must not be negative")
	}
	if c.MaxAreasPerRequest < 1 {
		return errors.New("MAX_AREAS_PER_REQUEST must be at least 1")
	}
	if c.AreaTimeout <= 0 {
		return errors.New("AREA_TIMEOUT must be positive")
	}

	if c.Development() {
		return nil
	}

	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.GeneratorURL == "" {
		missing = append(missing, "GENERATOR_URL")
	}
	if c.PaymentAPIURL == "" {
		missing = append(missing, "PAYMENT_API_URL")
	}
	if c.PaymentAPIKey == "" {
		missing = append(missing, "PAYMENT_API_KEY")
	}
	if c.WebhookSecret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
