package config

import (
	"os"
	"testing"
	"time"

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
	setEnv(t, "BUS_MAX_QUEUE", "5000")
	setEnv(t, "AGGREGATE_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5000, cfg.BusMaxQueue)
	assert.Equal(t, 30*time.Second, cfg.AggregateInterval)
	assert.Equal(t, DefaultBusPolicy, cfg.BusOverflowPolicy)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_InvalidOverflowPolicy(t *testing.T) {
	setEnv(t, "BUS_OVERFLOW_POLICY", "drop-everything")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "BUS_OVERFLOW_POLICY")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		BusMaxQueue:       2000,
		BusOverflowPolicy: "drop-oldest",
		LogFormat:         "json",
		RateLimitRPS:      100,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "reject-new policy is valid",
			mutate:  func(c *Config) { c.BusOverflowPolicy = "reject-new" },
			wantErr: "",
		},
		{
			name:    "zero bus queue",
			mutate:  func(c *Config) { c.BusMaxQueue = 0 },
			wantErr: "BUS_MAX_QUEUE",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.BusOverflowPolicy = "spill" },
			wantErr: "BUS_OVERFLOW_POLICY",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "LOG_FORMAT",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRPS = 0 },
			wantErr: "RATE_LIMIT_RPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
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

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "soon")
	setEnv(t, "TEST_DUR_NEGATIVE", "-10s")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_NEGATIVE", time.Minute))
}
