// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Event bus
	BusMaxQueue       int
	BusOverflowPolicy string // "drop-oldest" or "reject-new"

	// Engine cadences
	AggregateInterval    time.Duration
	AdaptiveInterval     time.Duration
	CorrelationInterval  time.Duration
	ForecastInterval     time.Duration
	PrescriptiveInterval time.Duration
	ScenarioInterval     time.Duration

	// Observability
	OTLPEndpoint string // OTLP/gRPC collector, tracing disabled if not set

	// Security
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultBusMaxQueue = 2000
	DefaultBusPolicy   = "drop-oldest"
	DefaultRateLimit   = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BusMaxQueue:          int(getEnvInt64("BUS_MAX_QUEUE", DefaultBusMaxQueue)),
		BusOverflowPolicy:    getEnv("BUS_OVERFLOW_POLICY", DefaultBusPolicy),
		AggregateInterval:    getEnvDuration("AGGREGATE_INTERVAL", 15*time.Second),
		AdaptiveInterval:     getEnvDuration("ADAPTIVE_INTERVAL", 5*time.Minute),
		CorrelationInterval:  getEnvDuration("CORRELATION_INTERVAL", 30*time.Second),
		ForecastInterval:     getEnvDuration("FORECAST_INTERVAL", time.Minute),
		PrescriptiveInterval: getEnvDuration("PRESCRIPTIVE_INTERVAL", 2*time.Minute),
		ScenarioInterval:     getEnvDuration("SCENARIO_INTERVAL", 2*time.Minute),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.BusMaxQueue <= 0 {
		return fmt.Errorf("BUS_MAX_QUEUE must be positive")
	}

	switch c.BusOverflowPolicy {
	case "drop-oldest", "reject-new":
	default:
		return fmt.Errorf("BUS_OVERFLOW_POLICY must be drop-oldest or reject-new")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
