// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Backends. Empty values fall back to in-memory implementations.
	DatabaseURL  string
	RedisURL     string
	OTLPEndpoint string

	// Security
	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string // empty allows any origin

	// Fees
	FeeBps              uint32
	DisputeFeeBps       uint32
	FeeAccount          string
	FeeRecordingPolicy  string // "advisory" or "fatal"
	FeeBreakerThreshold int
	FeeBreakerCooldown  time.Duration

	// Escrow limits
	MaxMilestones   int
	MinEscrowAmount int64
	MaxEscrowAmount int64
	DefaultTimeout  time.Duration // 0 means escrows never time out unless asked to
	MaxTimeout      time.Duration

	// Per-principal rate limit on mutating calls
	RateLimitCalls  int
	RateLimitWindow time.Duration

	// How often vault balances are checked against escrow records
	ReconcileInterval time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultFeeBps              = 250
	DefaultDisputeFeeBps       = 500
	DefaultFeeAccount          = "platform:fees"
	DefaultFeeRecordingPolicy  = "advisory"
	DefaultFeeBreakerThreshold = 5
	DefaultFeeBreakerCooldown  = 30 * time.Second
	DefaultMaxMilestones       = 20
	DefaultMinEscrowAmount     = 1
	DefaultMaxEscrowAmount     = 1_000_000_000_000_000
	DefaultRateLimitCalls      = 100
	DefaultRateLimitWindow     = time.Hour
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultMaxTimeout          = 10 * 365 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           os.Getenv("JWT_ISSUER"),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		FeeBps:              uint32(getEnvInt64("FEE_BPS", DefaultFeeBps)),
		DisputeFeeBps:       uint32(getEnvInt64("DISPUTE_FEE_BPS", DefaultDisputeFeeBps)),
		FeeAccount:          getEnv("FEE_ACCOUNT", DefaultFeeAccount),
		FeeRecordingPolicy:  getEnv("FEE_RECORDING_POLICY", DefaultFeeRecordingPolicy),
		FeeBreakerThreshold: int(getEnvInt64("FEE_BREAKER_THRESHOLD", DefaultFeeBreakerThreshold)),
		FeeBreakerCooldown:  getEnvDuration("FEE_BREAKER_COOLDOWN", DefaultFeeBreakerCooldown),
		MaxMilestones:       int(getEnvInt64("MAX_MILESTONES", DefaultMaxMilestones)),
		MinEscrowAmount:     getEnvInt64("MIN_ESCROW_AMOUNT", DefaultMinEscrowAmount),
		MaxEscrowAmount:     getEnvInt64("MAX_ESCROW_AMOUNT", DefaultMaxEscrowAmount),
		DefaultTimeout:      getEnvDuration("DEFAULT_TIMEOUT", 0),
		MaxTimeout:          getEnvDuration("MAX_TIMEOUT", DefaultMaxTimeout),
		RateLimitCalls:      int(getEnvInt64("RATE_LIMIT_CALLS", DefaultRateLimitCalls)),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.FeeBps > 10_000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	if c.DisputeFeeBps > 10_000 {
		return fmt.Errorf("DISPUTE_FEE_BPS must be between 0 and 10000, got %d", c.DisputeFeeBps)
	}
	if c.FeeAccount == "" {
		return fmt.Errorf("FEE_ACCOUNT is required")
	}
	switch c.FeeRecordingPolicy {
	case "advisory", "fatal":
	default:
		return fmt.Errorf("FEE_RECORDING_POLICY must be advisory or fatal, got %q", c.FeeRecordingPolicy)
	}
	if c.MinEscrowAmount <= 0 {
		return fmt.Errorf("MIN_ESCROW_AMOUNT must be positive")
	}
	if c.MinEscrowAmount > c.MaxEscrowAmount {
		return fmt.Errorf("MIN_ESCROW_AMOUNT (%d) exceeds MAX_ESCROW_AMOUNT (%d)", c.MinEscrowAmount, c.MaxEscrowAmount)
	}
	if c.MaxMilestones <= 0 {
		return fmt.Errorf("MAX_MILESTONES must be positive")
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("DEFAULT_TIMEOUT must not be negative")
	}
	if c.MaxTimeout <= 0 {
		return fmt.Errorf("MAX_TIMEOUT must be positive")
	}
	if c.DefaultTimeout > c.MaxTimeout {
		return fmt.Errorf("DEFAULT_TIMEOUT (%s) exceeds MAX_TIMEOUT (%s)", c.DefaultTimeout, c.MaxTimeout)
	}
	if c.RateLimitCalls <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_CALLS and RATE_LIMIT_WINDOW must be positive")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
