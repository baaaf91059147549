package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task execution core.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// Task queue.
	TaskCapacity      int
	TaskTimeout       time.Duration
	DeadlineSweep     time.Duration
	EventBufferPerSub int

	// Confirmation handshake.
	ConfirmTTL time.Duration

	// Process monitoring.
	MonitorPollInterval time.Duration

	// External agent process.
	AgentCLIPath      string
	AgentWorkspaceDir string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "marvin"),
		ShutdownTimeout:     15 * time.Second,
		TaskCapacity:        2,
		TaskTimeout:         30 * time.Minute,
		DeadlineSweep:       5 * time.Second,
		EventBufferPerSub:   256,
		ConfirmTTL:          10 * time.Minute,
		MonitorPollInterval: 1 * time.Second,
		AgentCLIPath:        envOrDefault("AGENT_CLI_PATH", "codex-agent"),
		AgentWorkspaceDir:   envOrDefault("AGENT_WORKSPACE_DIR", ".workspaces"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskCapacity, err = intFromEnv("TASK_CAPACITY", cfg.TaskCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DeadlineSweep, err = durationFromEnv("TASK_DEADLINE_SWEEP", cfg.DeadlineSweep)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfirmTTL, err = durationFromEnv("CONFIRM_TTL", cfg.ConfirmTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MonitorPollInterval, err = durationFromEnv("MONITOR_POLL_INTERVAL", cfg.MonitorPollInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.TaskCapacity <= 0 {
		return Config{}, fmt.Errorf("TASK_CAPACITY must be positive")
	}
	if cfg.TaskTimeout < time.Minute {
		return Config{}, fmt.Errorf("TASK_TIMEOUT must be at least 1m")
	}
	if cfg.ConfirmTTL < time.Second {
		return Config{}, fmt.Errorf("CONFIRM_TTL must be at least 1s")
	}
	if cfg.MonitorPollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("MONITOR_POLL_INTERVAL must be at least 100ms")
	}
	if strings.TrimSpace(cfg.AgentCLIPath) == "" {
		return Config{}, fmt.Errorf("AGENT_CLI_PATH must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
