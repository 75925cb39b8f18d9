package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envLogFile, "")
	t.Setenv(envLocalSlots, "")
	t.Setenv(envStatusInterval, "")

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
	if cfg.LogFile != "" {
		t.Errorf("LogFile = %q, want empty", cfg.LogFile)
	}
	if cfg.LocalSlots != runtime.NumCPU() {
		t.Errorf("LocalSlots = %d, want %d", cfg.LocalSlots, runtime.NumCPU())
	}
	if cfg.StatusInterval != defaultStatusInterval {
		t.Errorf("StatusInterval = %v, want %v", cfg.StatusInterval, defaultStatusInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envHostsFile, "/etc/conduit/hosts.yaml")
	t.Setenv(envLocalSlots, "3")
	t.Setenv(envStatusInterval, "2s")
	t.Setenv(envKnownHosts, "/tmp/known_hosts")

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
	if cfg.HostsFile != "/etc/conduit/hosts.yaml" {
		t.Errorf("HostsFile = %q", cfg.HostsFile)
	}
	if cfg.LocalSlots != 3 {
		t.Errorf("LocalSlots = %d, want 3", cfg.LocalSlots)
	}
	if cfg.StatusInterval != 2*time.Second {
		t.Errorf("StatusInterval = %v, want 2s", cfg.StatusInterval)
	}
	if cfg.KnownHosts != "/tmp/known_hosts" {
		t.Errorf("KnownHosts = %q", cfg.KnownHosts)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv(envLocalSlots, "zero")
	t.Setenv(envStatusInterval, "-1s")

	cfg := Load()

	if cfg.LocalSlots != runtime.NumCPU() {
		t.Errorf("LocalSlots = %d, want fallback %d", cfg.LocalSlots, runtime.NumCPU())
	}
	if cfg.StatusInterval != defaultStatusInterval {
		t.Errorf("StatusInterval = %v, want fallback", cfg.StatusInterval)
	}
}

func TestLogWriterRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.log")
	cfg := Config{LogFile: path, LogMaxSizeMB: 1, LogMaxBackups: 1}

	var stdout bytes.Buffer
	w, closer := cfg.LogWriter(&stdout)
	logger := NewLogger(w, slog.LevelInfo)
	logger.Info("rotated line")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "rotated line") {
		t.Errorf("log file missing entry: %s", raw)
	}
	if !strings.Contains(stdout.String(), "rotated line") {
		t.Errorf("stdout missing entry: %s", stdout.String())
	}
}

func TestLogWriterWithoutFile(t *testing.T) {
	var stdout bytes.Buffer
	w, closer := Config{}.LogWriter(&stdout)
	if w != &stdout {
		t.Error("expected the plain writer when no log file is configured")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
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
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
