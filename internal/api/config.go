package api

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"
	MaxBodyBytes    int64

	RateLimitPush  int // /sync/push per API key per minute (default: 600)
	RateLimitPull  int // /sync/pull per API key per minute (default: 120)
	RateLimitBurst int // token bucket burst (default: 20)
}

// DefaultConfig returns the configuration used when no env vars are set.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ServerDBPath:    "./data/server.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxBodyBytes:    10 << 20,

		RateLimitPush:  600,
		RateLimitPull:  120,
		RateLimitBurst: 20,
	}
}

// LoadConfig reads configuration from environment variables with sensible
// defaults. Variables in envFiles (typically ".env") are loaded first but
// never override the real environment; missing files are ignored.
func LoadConfig(envFiles ...string) Config {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			slog.Warn("load env file", "file", f, "err", err)
		}
	}

	cfg := DefaultConfig()

	if v := os.Getenv("TETHER_SYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TETHER_SYNC_DB_PATH"); v != "" {
		cfg.ServerDBPath = v
	}
	if v := os.Getenv("TETHER_SYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("TETHER_SYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TETHER_SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TETHER_SYNC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}

	cfg.RateLimitPush = positiveInt("TETHER_SYNC_RATE_LIMIT_PUSH", cfg.RateLimitPush)
	cfg.RateLimitPull = positiveInt("TETHER_SYNC_RATE_LIMIT_PULL", cfg.RateLimitPull)
	cfg.RateLimitBurst = positiveInt("TETHER_SYNC_RATE_LIMIT_BURST", cfg.RateLimitBurst)

	return cfg
}

func positiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
