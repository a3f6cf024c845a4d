// Package config handles loading and validating configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/ratelimit"
)

// Quota store backends.
const (
	QuotaStoreRedis  = "redis"
	QuotaStoreMemory = "memory"
)

// Config holds all configuration for the Lumen enhancement service.
type Config struct {
	// Server
	Port        string
	LogLevel    string
	Environment string
	CORSOrigins []string

	// Admin API
	AdminAPIKey string // Required for /api/v1/admin endpoints; empty = disabled

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Identity
	JWTSecret string
	JWTIssuer string

	// Billing
	StripeKey         string
	StripeProPriceIDs []string
	PlanCacheTTL      time.Duration
	PlanRefreshAfter  time.Duration

	// Quota
	QuotaStore     string
	QuotaWindow    time.Duration
	QuotaAnonymous int
	QuotaFree      int
	QuotaPro       int
	QuotaFailOpen  bool // If true, admit requests when the quota store is unreachable

	// Pipeline
	MaxPromptLength int
	RequestTimeout  time.Duration
	BackendsFile    string

	// Provider API Keys (used in memory, never stored)
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string

	// Tracing
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("LUMEN_PORT", "8080"),
		LogLevel:    getEnv("LUMEN_LOG_LEVEL", "info"),
		Environment: getEnv("LUMEN_ENV", "development"),
		CORSOrigins: splitList(getEnv("LUMEN_CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),

		AdminAPIKey: os.Getenv("LUMEN_ADMIN_API_KEY"),

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "opencloudops"),
		DBUser:     getEnv("POSTGRES_USER", "oco_user"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		JWTSecret: os.Getenv("LUMEN_JWT_SECRET"),
		JWTIssuer: os.Getenv("LUMEN_JWT_ISSUER"),

		StripeKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeProPriceIDs: splitList(os.Getenv("LUMEN_STRIPE_PRO_PRICE_IDS")),

		QuotaStore:    strings.ToLower(getEnv("LUMEN_QUOTA_STORE", QuotaStoreRedis)),
		QuotaFailOpen: getEnv("LUMEN_QUOTA_FAIL_OPEN", "false") == "true",

		BackendsFile: os.Getenv("LUMEN_BACKENDS_FILE"),

		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:    os.Getenv("GOOGLE_API_KEY"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: getEnv("LUMEN_OTLP_INSECURE", "false") == "true",
	}

	var err error
	if cfg.DBPort, err = getInt("POSTGRES_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.RedisPort, err = getInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.QuotaAnonymous, err = getInt("LUMEN_QUOTA_ANONYMOUS", ratelimit.DefaultLimits.Anonymous); err != nil {
		return nil, err
	}
	if cfg.QuotaFree, err = getInt("LUMEN_QUOTA_FREE", ratelimit.DefaultLimits.Free); err != nil {
		return nil, err
	}
	if cfg.QuotaPro, err = getInt("LUMEN_QUOTA_PRO", ratelimit.DefaultLimits.Pro); err != nil {
		return nil, err
	}
	if cfg.MaxPromptLength, err = getInt("LUMEN_MAX_PROMPT_LENGTH", 8000); err != nil {
		return nil, err
	}
	if cfg.QuotaWindow, err = getDuration("LUMEN_QUOTA_WINDOW", ratelimit.DefaultLimits.Window); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("LUMEN_REQUEST_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.PlanCacheTTL, err = getDuration("LUMEN_PLAN_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PlanRefreshAfter, err = getDuration("LUMEN_PLAN_REFRESH_AFTER", time.Hour); err != nil {
		return nil, err
	}
	ratio, err := strconv.ParseFloat(getEnv("LUMEN_TRACE_SAMPLE_RATIO", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid LUMEN_TRACE_SAMPLE_RATIO: %w", err)
	}
	cfg.TraceSampleRatio = ratio

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and combinations.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Limits().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.QuotaStore != QuotaStoreRedis && c.QuotaStore != QuotaStoreMemory {
		errs = append(errs, fmt.Errorf("LUMEN_QUOTA_STORE must be %q or %q, got %q", QuotaStoreRedis, QuotaStoreMemory, c.QuotaStore))
	}
	if c.MaxPromptLength <= 0 {
		errs = append(errs, fmt.Errorf("LUMEN_MAX_PROMPT_LENGTH must be positive, got %d", c.MaxPromptLength))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LUMEN_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.PlanCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("LUMEN_PLAN_CACHE_TTL must not be negative, got %s", c.PlanCacheTTL))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("LUMEN_TRACE_SAMPLE_RATIO must be within [0, 1], got %v", c.TraceSampleRatio))
	}
	if c.StripeKey != "" && len(c.StripeProPriceIDs) == 0 {
		errs = append(errs, errors.New("LUMEN_STRIPE_PRO_PRICE_IDS is required when STRIPE_SECRET_KEY is set"))
	}
	return errors.Join(errs...)
}

// Limits returns the rate limiter configuration.
func (c *Config) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		Window:    c.QuotaWindow,
		Anonymous: c.QuotaAnonymous,
		Free:      c.QuotaFree,
		Pro:       c.QuotaPro,
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
