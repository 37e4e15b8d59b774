package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mgrady/taskvisor/internal/task"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "taskvisor.db"
	defaultName         = "taskvisor"
	defaultTaskTimeoutS = 30
	defaultShutdownMS   = 5000
	defaultRestart      = task.RestartTemporary
	defaultMaxRestarts  = 3
	defaultMaxSeconds   = 5

	envListenAddr   = "TASKVISOR_LISTEN_ADDR"
	envDBPath       = "TASKVISOR_DB_PATH"
	envLogLevel     = "TASKVISOR_LOG_LEVEL"
	envName         = "TASKVISOR_NAME"
	envRestart      = "TASKVISOR_RESTART"
	envShutdownMS   = "TASKVISOR_SHUTDOWN_MS"
	envBrutalKill   = "TASKVISOR_BRUTAL_KILL"
	envMaxRestarts  = "TASKVISOR_MAX_RESTARTS"
	envMaxSeconds   = "TASKVISOR_MAX_SECONDS"
	envTaskTimeoutS = "TASKVISOR_DEFAULT_TIMEOUT_S"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	Name            string
	Restart         string
	Shutdown        time.Duration
	BrutalKill      bool
	MaxRestarts     int
	MaxSeconds      int
	DefaultTimeoutS int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Name:            defaultName,
		Restart:         defaultRestart,
		Shutdown:        defaultShutdownMS * time.Millisecond,
		MaxRestarts:     defaultMaxRestarts,
		MaxSeconds:      defaultMaxSeconds,
		DefaultTimeoutS: defaultTaskTimeoutS,
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
	if v := os.Getenv(envName); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv(envRestart); v != "" {
		cfg.Restart = strings.ToLower(v)
	}
	if v := parseIntEnv(envShutdownMS); v > 0 {
		cfg.Shutdown = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv(envBrutalKill); v == "1" || strings.EqualFold(v, "true") {
		cfg.BrutalKill = true
	}
	if v := parseIntEnv(envMaxRestarts); v > 0 {
		cfg.MaxRestarts = v
	}
	if v := parseIntEnv(envMaxSeconds); v > 0 {
		cfg.MaxSeconds = v
	}
	if v := parseIntEnv(envTaskTimeoutS); v > 0 {
		cfg.DefaultTimeoutS = v
	}

	return cfg
}

// SupervisorConfig maps the loaded configuration onto the task supervisor.
func (c Config) SupervisorConfig() task.Config {
	return task.Config{
		Name:        c.Name,
		Restart:     c.Restart,
		Shutdown:    c.Shutdown,
		BrutalKill:  c.BrutalKill,
		MaxRestarts: c.MaxRestarts,
		MaxSeconds:  c.MaxSeconds,
	}
}

func parseIntEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
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
