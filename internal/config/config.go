// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	Port        string
	DatabaseURL string // empty means in-memory store
	RedisURL    string // empty means no cache
	QuoteAPIURL string // empty means static gateway

	MatchingInterval   time.Duration
	SnapshotInterval   time.Duration
	DecimationInterval time.Duration
	DecimationTarget   int

	CacheTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	return Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		QuoteAPIURL: os.Getenv("QUOTE_API_URL"),

		MatchingInterval:   getDuration("MATCHING_INTERVAL", 15*time.Second),
		SnapshotInterval:   getDuration("SNAPSHOT_INTERVAL", 10*time.Minute),
		DecimationInterval: getDuration("DECIMATION_INTERVAL", 24*time.Hour),
		DecimationTarget:   getInt("DECIMATION_TARGET", 500),

		CacheTTL: getDuration("CACHE_TTL", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
