package config

import (
	"os"
	"testing"

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

func validConfig() Config {
	return Config{
		Port:              DefaultPort,
		LogFormat:         DefaultLogFormat,
		SandboxMode:       true,
		RateLimitRPM:      DefaultRateLimitRPM,
		DBConnectAttempts: DefaultDBConnectAttempts,
		MaxRequestBytes:   DefaultMaxRequestBytes,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "SANDBOX_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, DefaultDBConnectAttempts, cfg.DBConnectAttempts)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.PolicyFile)
	assert.Nil(t, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "SANDBOX_MODE", "true")
	setEnv(t, "PORT", "9090")
	setEnv(t, "LOG_FORMAT", "text")
	setEnv(t, "POLICY_FILE", "/etc/cryptocardia/policy.yaml")
	setEnv(t, "RATE_LIMIT_RPM", "120")
	setEnv(t, "CORS_ORIGINS", "http://localhost:3000, https://lab.example.com,")
	setEnv(t, "DB_CONNECT_ATTEMPTS", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "/etc/cryptocardia/policy.yaml", cfg.PolicyFile)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	assert.Equal(t, []string{"http://localhost:3000", "https://lab.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 10, cfg.DBConnectAttempts)
}

func TestLoad_RequiresSandboxMode(t *testing.T) {
	setEnv(t, "SANDBOX_MODE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_MODE=true is required")

	// Only the literal "true" enables the sandbox.
	for _, v := range []string{"false", "1", "t", "TRUE", "True", " true"} {
		setEnv(t, "SANDBOX_MODE", v)
		_, err = Load()
		require.Error(t, err, "SANDBOX_MODE=%q", v)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"sandbox mode off", func(c *Config) { c.SandboxMode = false }, "SANDBOX_MODE"},
		{"non-numeric port", func(c *Config) { c.Port = "http" }, "PORT must be numeric"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"zero connect attempts", func(c *Config) { c.DBConnectAttempts = 0 }, "DB_CONNECT_ATTEMPTS"},
		{"zero request size", func(c *Config) { c.MaxRequestBytes = 0 }, "MAX_REQUEST_BYTES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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

