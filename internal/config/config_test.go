package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envRuntimeBackend, "")
	t.Setenv(envTokenSecret, "")
	t.Setenv(envCallbackBaseURL, "")
	t.Setenv(envReclaimInterval, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.RuntimeBackend != defaultRuntimeBackend {
		t.Errorf("RuntimeBackend = %q, want %q", cfg.RuntimeBackend, defaultRuntimeBackend)
	}
	if cfg.TokenSecret != "" {
		t.Errorf("TokenSecret = %q, want empty", cfg.TokenSecret)
	}
	if cfg.ReclaimInterval != defaultReclaimInterval {
		t.Errorf("ReclaimInterval = %v, want %v", cfg.ReclaimInterval, defaultReclaimInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envRuntimeBackend, "lambda")
	t.Setenv(envTokenSecret, "hunter2")
	t.Setenv(envCallbackBaseURL, "https://conduit.example.com")
	t.Setenv(envReclaimInterval, "15")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.RuntimeBackend != "lambda" {
		t.Errorf("RuntimeBackend = %q, want %q", cfg.RuntimeBackend, "lambda")
	}
	if cfg.TokenSecret != "hunter2" {
		t.Errorf("TokenSecret = %q, want %q", cfg.TokenSecret, "hunter2")
	}
	if cfg.CallbackBaseURL != "https://conduit.example.com" {
		t.Errorf("CallbackBaseURL = %q", cfg.CallbackBaseURL)
	}
	if cfg.ReclaimInterval != 15*time.Second {
		t.Errorf("ReclaimInterval = %v, want 15s", cfg.ReclaimInterval)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("missing %q in log entry", key)
		}
	}
}
