// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/petrosight/reservoir/internal/session"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// StoreBackend selects "memory" or "postgres".
	StoreBackend string
	PostgresConn string

	// StatusBackend selects "memory" or "redis". The memory backend only
	// works single-node; status polls on other replicas miss.
	StatusBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatusTTL     time.Duration

	Session session.Config

	// OTelEndpoint enables tracing when non-empty.
	OTelEndpoint string
	ServiceName  string
	Environment  string
	SamplingRate float64

	// MetricsUser/MetricsPass enable basic auth on /metrics when set.
	MetricsUser string
	MetricsPass string

	// LogLevel is a zap level name ("debug", "info", "warn", "error").
	LogLevel string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    ":" + getEnv("PORT", "8080"),
		StoreBackend:  getEnv("STORE_BACKEND", "memory"),
		PostgresConn:  getEnv("POSTGRES_CONN", ""),
		StatusBackend: getEnv("STATUS_BACKEND", "memory"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		StatusTTL:     getEnvDuration("STATUS_TTL", 24*time.Hour),
		Session: session.Config{
			Workers:           getEnvInt("SESSION_WORKERS", 4),
			SessionsPerMinute: float64(getEnvInt("SESSION_RATE_PER_MIN", 60)),
			SessionBurst:      getEnvInt("SESSION_BURST", 10),
			SeriesCacheSize:   getEnvInt("SERIES_CACHE_SIZE", 128),
			SeriesCacheTTL:    getEnvDuration("SERIES_CACHE_TTL", 10*time.Minute),
		},
		OTelEndpoint: getEnv("OTEL_COLLECTOR_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "reservoir"),
		Environment:  getEnv("ENVIRONMENT", "production"),
		SamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
		MetricsUser:  getEnv("METRICS_USER", ""),
		MetricsPass:  getEnv("METRICS_PASS", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.PostgresConn == "" {
			return nil, fmt.Errorf("POSTGRES_CONN is required when STORE_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND: %s", cfg.StoreBackend)
	}

	switch cfg.StatusBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown STATUS_BACKEND: %s", cfg.StatusBackend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
