package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "conduit.db"
	defaultStatusInterval = 10 * time.Second
	defaultLogMaxSizeMB   = 100
	defaultLogMaxBackups  = 5

	envListenAddr     = "CONDUIT_LISTEN_ADDR"
	envDBPath         = "CONDUIT_DB_PATH"
	envLogLevel       = "CONDUIT_LOG_LEVEL"
	envLogFile        = "CONDUIT_LOG_FILE"
	envLogMaxSizeMB   = "CONDUIT_LOG_MAX_SIZE_MB"
	envLogMaxBackups  = "CONDUIT_LOG_MAX_BACKUPS"
	envHostsFile      = "CONDUIT_HOSTS_FILE"
	envLocalSlots     = "CONDUIT_LOCAL_SLOTS"
	envStatusInterval = "CONDUIT_STATUS_INTERVAL"
	envKnownHosts     = "CONDUIT_KNOWN_HOSTS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// LogFile, when set, receives a rotated copy of the service log.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	HostsFile      string
	LocalSlots     int
	StatusInterval time.Duration
	KnownHosts     string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		LogMaxSizeMB:   defaultLogMaxSizeMB,
		LogMaxBackups:  defaultLogMaxBackups,
		LocalSlots:     runtime.NumCPU(),
		StatusInterval: defaultStatusInterval,
		KnownHosts:     defaultKnownHosts(),
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
	if v := os.Getenv(envLogFile); v != "" {
		cfg.LogFile = v
	}
	cfg.LogMaxSizeMB = positiveInt(os.Getenv(envLogMaxSizeMB), cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = positiveInt(os.Getenv(envLogMaxBackups), cfg.LogMaxBackups)
	if v := os.Getenv(envHostsFile); v != "" {
		cfg.HostsFile = v
	}
	cfg.LocalSlots = positiveInt(os.Getenv(envLocalSlots), cfg.LocalSlots)
	if v := os.Getenv(envStatusInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StatusInterval = d
		}
	}
	if v := os.Getenv(envKnownHosts); v != "" {
		cfg.KnownHosts = v
	}

	return cfg
}

func positiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func defaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
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

// LogWriter returns the sink for the service log: w alone, or w fanned out
// to a size-rotated file when LogFile is set. The returned closer releases
// the rotated file and is a no-op otherwise.
func (c Config) LogWriter(w io.Writer) (io.Writer, io.Closer) {
	if c.LogFile == "" {
		return w, nopCloser{}
	}
	rotated := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Compress:   true,
	}
	return io.MultiWriter(w, rotated), rotated
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
