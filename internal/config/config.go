package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "conduit.db"
	defaultRuntimeBackend  = "docker"
	defaultCallbackBaseURL = "http://localhost:8080"
	defaultReclaimInterval = 60 * time.Second

	envListenAddr      = "CONDUIT_LISTEN_ADDR"
	envDBPath          = "CONDUIT_DB_PATH"
	envLogLevel        = "CONDUIT_LOG_LEVEL"
	envRuntimeBackend  = "CONDUIT_RUNTIME_BACKEND"
	envTokenSecret     = "CONDUIT_TOKEN_SECRET"
	envCallbackBaseURL = "CONDUIT_CALLBACK_BASE_URL"
	envReclaimInterval = "CONDUIT_RECLAIM_INTERVAL_S"
)

// Config holds application configuration loaded from environment variables.
// Backend-specific settings live with the backends themselves.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	RuntimeBackend  string
	TokenSecret     string
	CallbackBaseURL string
	ReclaimInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// TokenSecret has no default; startup must fail without one.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		RuntimeBackend:  defaultRuntimeBackend,
		CallbackBaseURL: defaultCallbackBaseURL,
		ReclaimInterval: defaultReclaimInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envRuntimeBackend); v != "" {
		cfg.RuntimeBackend = v
	}
	cfg.TokenSecret = os.Getenv(envTokenSecret)
	if v := os.Getenv(envCallbackBaseURL); v != "" {
		cfg.CallbackBaseURL = v
	}
	if v := os.Getenv(envReclaimInterval); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReclaimInterval = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
