// Package config loads the router's environment-driven configuration
// using a typed-fallback getEnv* convention.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every configuration value the router's composition root
// needs to construct the engine, HTTP server, and supporting components.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	MaxBodyBytes    int64

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Document sources
	PolicyPath  string
	CatalogPath string
	OverlayDir  string

	// Plan cache
	CacheMaxEntries  int
	CacheFreshTTLMs  int
	CacheStaleExtendMs int

	// Stickiness
	StickinessSecret []byte

	// Rate limiting
	RateLimitEnabled bool
	RateLimitBurst   int
	RateLimitRefillPerSec float64

	// Redis (optional — cross-replica health broadcast only)
	RedisURL           string
	HealthBroadcastKey string

	// Embedding routing (optional)
	EmbeddingEnabled      bool
	EmbeddingEndpoint     string
	EmbeddingAPIKey       string
	CanonicalTasksPath    string
	EmbeddingTopK         int
	EmbeddingCacheTTLMs   int

	// Overlay hot-reload
	OverlayWatchEnabled bool
}

// Load reads configuration from the environment and an optional .env
// file, applying sane defaults for every value a deployment does not
// override.
func Load() (*Config, error) {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("ROUTER_GRACEFUL_TIMEOUT_SEC", 15)

	secretB64 := getEnv("ROUTER_STICKINESS_SECRET_B64", "")
	var secret []byte
	if secretB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(secretB64)
		if err != nil {
			return nil, fmt.Errorf("invalid ROUTER_STICKINESS_SECRET_B64: %w", err)
		}
		secret = decoded
	} else {
		secret = []byte("dev-only-insecure-stickiness-secret")
	}

	cfg := &Config{
		Addr:            getEnv("ROUTER_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("ROUTER_MAX_BODY_BYTES", 256*1024)),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		PolicyPath:  getEnv("ROUTER_POLICY_PATH", "policy.yaml"),
		CatalogPath: getEnv("ROUTER_CATALOG_PATH", "catalog.yaml"),
		OverlayDir:  getEnv("ROUTER_OVERLAY_DIR", "overlays"),

		CacheMaxEntries:    getEnvInt("ROUTER_CACHE_MAX_ENTRIES", 50_000),
		CacheFreshTTLMs:    getEnvInt("ROUTER_CACHE_FRESH_TTL_MS", 30_000),
		CacheStaleExtendMs: getEnvInt("ROUTER_CACHE_STALE_EXTEND_MS", 60_000),

		StickinessSecret: secret,

		RateLimitEnabled:      getEnvBool("ROUTER_RATE_LIMIT_ENABLED", true),
		RateLimitBurst:        getEnvInt("ROUTER_RATE_LIMIT_BURST", 20),
		RateLimitRefillPerSec: getEnvFloat("ROUTER_RATE_LIMIT_REFILL_PER_SEC", 10.0),

		RedisURL:           getEnv("REDIS_URL", ""),
		HealthBroadcastKey: getEnv("ROUTER_HEALTH_BROADCAST_CHANNEL", "router:health:feedback"),

		EmbeddingEnabled:    getEnvBool("ROUTER_EMBEDDING_ENABLED", false),
		EmbeddingEndpoint:   getEnv("ROUTER_EMBEDDING_ENDPOINT", ""),
		EmbeddingAPIKey:     getEnv("ROUTER_EMBEDDING_API_KEY", ""),
		CanonicalTasksPath:  getEnv("ROUTER_CANONICAL_TASKS_PATH", "canonical_tasks.yaml"),
		EmbeddingTopK:       getEnvInt("ROUTER_EMBEDDING_TOP_K", 3),
		EmbeddingCacheTTLMs: getEnvInt("ROUTER_EMBEDDING_CACHE_TTL_MS", 300_000),

		OverlayWatchEnabled: getEnvBool("ROUTER_OVERLAY_WATCH_ENABLED", false),
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// CacheFreshTTL and CacheStaleExtend convert the millisecond env knobs
// into time.Duration for the plan cache constructor.
func (c *Config) CacheFreshTTL() time.Duration {
	return time.Duration(c.CacheFreshTTLMs) * time.Millisecond
}

func (c *Config) CacheStaleExtend() time.Duration {
	return time.Duration(c.CacheStaleExtendMs) * time.Millisecond
}

func (c *Config) EmbeddingCacheTTL() time.Duration {
	return time.Duration(c.EmbeddingCacheTTLMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
