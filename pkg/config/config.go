// Package config builds the startup configuration of the bridge. All state
// is constructed here and injected into components; there is no module-level
// configuration singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full runtime configuration of the bridge.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// Admission
	MaxRequestBytes    int64
	RateLimitPerMinute int // 0 disables inbound rate limiting

	// Persistence
	DBURL string

	// Webhook authentication
	SrcSecret string
	TgtSecret string
	// Optional replay-window enforcement per provider (default off).
	SrcTimestampWindow bool
	TgtTimestampWindow bool

	// Outbound APIs
	SrcToken      string
	TgtToken      string
	SrcAPIBaseURL string
	TgtAPIBaseURL string
	TgtDatabaseID string

	// Admin surface
	AdminToken string

	// Scheduler
	ReplayInterval          time.Duration
	ReplayBatchSize         int
	ReplayMaxAttempts       int
	ProcessedEventRetention time.Duration

	// Mapping registry
	MappingPath string
}

// Load reads configuration from environment variables with safe defaults.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		Environment: envOr("ENVIRONMENT", "development"),

		MaxRequestBytes:    envInt64("MAX_REQUEST_BYTES", 1<<20),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),

		DBURL: envOr("DB_URL", "postgres://syncbridge@localhost:5432/syncbridge?sslmode=disable"),

		SrcSecret:          os.Getenv("SRC_SECRET"),
		TgtSecret:          os.Getenv("TGT_SECRET"),
		SrcTimestampWindow: os.Getenv("SRC_TIMESTAMP_WINDOW") == "true",
		TgtTimestampWindow: os.Getenv("TGT_TIMESTAMP_WINDOW") == "true",

		SrcToken:      os.Getenv("SRC_TOKEN"),
		TgtToken:      os.Getenv("TGT_TOKEN"),
		SrcAPIBaseURL: envOr("SRC_API_BASE_URL", "https://api.github.com"),
		TgtAPIBaseURL: envOr("TGT_API_BASE_URL", "https://api.notion.com"),
		TgtDatabaseID: os.Getenv("TGT_DATABASE_ID"),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		ReplayInterval:          time.Duration(envInt("REPLAY_INTERVAL_MINUTES", 10)) * time.Minute,
		ReplayBatchSize:         envInt("REPLAY_BATCH_SIZE", 50),
		ReplayMaxAttempts:       envInt("REPLAY_MAX_ATTEMPTS", 24),
		ProcessedEventRetention: time.Duration(envInt("PROCESSED_EVENT_RETENTION_DAYS", 14)) * 24 * time.Hour,

		MappingPath: envOr("MAPPING_PATH", "mapping.yaml"),
	}
}

// Validate rejects configurations that cannot serve traffic. A missing or
// empty webhook secret is a startup error, not a runtime 403.
func (c *Config) Validate() error {
	if c.SrcSecret == "" {
		return fmt.Errorf("config: SRC_SECRET is required")
	}
	if c.TgtSecret == "" {
		return fmt.Errorf("config: TGT_SECRET is required")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("config: MAX_REQUEST_BYTES must be positive, got %d", c.MaxRequestBytes)
	}
	if c.ReplayBatchSize <= 0 {
		return fmt.Errorf("config: REPLAY_BATCH_SIZE must be positive, got %d", c.ReplayBatchSize)
	}
	if c.ReplayMaxAttempts <= 0 {
		return fmt.Errorf("config: REPLAY_MAX_ATTEMPTS must be positive, got %d", c.ReplayMaxAttempts)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
