package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL     = "nats://localhost:4222"
	defaultRedisURL    = "redis://localhost:6379"
	defaultLimitsPath  = "config/limits.yaml"
	defaultMetricsAddr = ":9100"
	defaultDedupWindow = 24 * time.Hour
	defaultCallTimeout = 60 * time.Second

	envNATSURL     = "NATS_URL"
	envRedisURL    = "REDIS_URL"
	envEnvironment = "SIGNALMESH_ENV"
	envLimitsPath  = "LIMITS_PATH"
	envMetricsAddr = "METRICS_ADDR"
	envDedupWindow = "DEDUP_WINDOW"
	envCallTimeout = "PROVIDER_CALL_TIMEOUT"
	envMaxAttempts = "RETRY_MAX_ATTEMPTS"
)

// Environment distinguishes dev-tolerant from prod-fatal startup behavior.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds runtime configuration for the automation engine.
type Config struct {
	NatsURL         string
	RedisURL        string
	Environment     Environment
	LimitsPath      string
	MetricsAddr     string
	DedupWindow     time.Duration
	ProviderTimeout time.Duration
	MaxAttempts     int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:         getenv(envNATSURL, defaultNATSURL),
		RedisURL:        getenv(envRedisURL, defaultRedisURL),
		Environment:     EnvDevelopment,
		LimitsPath:      getenv(envLimitsPath, defaultLimitsPath),
		MetricsAddr:     getenv(envMetricsAddr, defaultMetricsAddr),
		DedupWindow:     defaultDedupWindow,
		ProviderTimeout: defaultCallTimeout,
		MaxAttempts:     3,
	}

	switch os.Getenv(envEnvironment) {
	case "production", "prod":
		cfg.Environment = EnvProduction
	}
	if v := os.Getenv(envDedupWindow); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DedupWindow = d
		}
	}
	if v := os.Getenv(envCallTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ProviderTimeout = d
		}
	}
	if v := os.Getenv(envMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	return cfg
}

// IsProduction reports whether startup failures should be fatal.
func (c *Config) IsProduction() bool {
	return c != nil && c.Environment == EnvProduction
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
