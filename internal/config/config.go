// Package config loads engine configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full engine configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache, no redis price feed

	// CacheTTL bounds staleness of the Redis read-through store cache.
	CacheTTL time.Duration

	// Exposure limits for the risk limiter; zero disables a check.
	MaxPoolNotional   decimal.Decimal
	MaxSymbolNotional decimal.Decimal
}

// Load reads configuration from the environment. A .env file is loaded
// first if present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:              envOr("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		CacheTTL:          envDuration("CACHE_TTL_SECONDS", 30*time.Second),
		MaxPoolNotional:   envDecimal("MAX_POOL_NOTIONAL", decimal.NewFromInt(1_000_000)),
		MaxSymbolNotional: envDecimal("MAX_SYMBOL_NOTIONAL", decimal.NewFromInt(250_000)),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
