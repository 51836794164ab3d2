package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration.
type Config struct {
	Workers               int
	ActionTimeout         time.Duration
	AutoThreshold         float64
	IrreversibleThreshold float64
	DispatchRPS           float64
	DispatchBurst         int
	ClaimTTL              time.Duration
	ReviewTimeout         time.Duration
	DBPath                string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	PolicyFile            string
	LogLevel              string
	LogFormat             string
	OTelEnabled           bool
	OTelEndpoint          string
	DisableAutoExecute    bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var err error
	cfg := &Config{
		DBPath:             getenv("SAFEACT_DB_PATH", "safeact.db"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		PolicyFile:         os.Getenv("SAFEACT_POLICY_FILE"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		LogFormat:          getenv("LOG_FORMAT", "text"),
		OTelEnabled:        os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:       getenv("OTEL_ENDPOINT", "localhost:4317"),
		DisableAutoExecute: os.Getenv("SAFEACT_DISABLE_AUTO") == "true",
	}

	if cfg.Workers, err = intEnv("SAFEACT_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.DispatchBurst, err = intEnv("SAFEACT_DISPATCH_BURST", 1); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ActionTimeout, err = durationEnv("SAFEACT_ACTION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClaimTTL, err = durationEnv("SAFEACT_CLAIM_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReviewTimeout, err = durationEnv("SAFEACT_REVIEW_TIMEOUT", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AutoThreshold, err = floatEnv("SAFEACT_AUTO_THRESHOLD", 0.95); err != nil {
		return nil, err
	}
	if cfg.IrreversibleThreshold, err = floatEnv("SAFEACT_IRREVERSIBLE_THRESHOLD", 0.7); err != nil {
		return nil, err
	}
	if cfg.DispatchRPS, err = floatEnv("SAFEACT_DISPATCH_RPS", 0); err != nil {
		return nil, err
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("SAFEACT_WORKERS must be at least 1, got %d", cfg.Workers)
	}
	for name, v := range map[string]float64{
		"SAFEACT_AUTO_THRESHOLD":         cfg.AutoThreshold,
		"SAFEACT_IRREVERSIBLE_THRESHOLD": cfg.IrreversibleThreshold,
	} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
