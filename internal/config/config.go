// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	WorkspaceRoot   string
	SandboxRuntime  string // "local" (subprocess) or "docker"
	AgentRuntimeURL string // websocket base URL of the remote agent runtime
	CommandTimeout  time.Duration
	Keepalive       time.Duration
	EventLog        EventLogConfig
}

// EventLogConfig controls the ndjson gateway event log.
type EventLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Sandbox runtime values accepted by Config.SandboxRuntime.
const (
	SandboxRuntimeLocal  = "local"
	SandboxRuntimeDocker = "docker"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("EVENT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8000"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/studio.db"),
		WorkspaceRoot:   getEnv("WORKSPACE_ROOT", "./data/workspaces"),
		SandboxRuntime:  getEnv("SANDBOX_RUNTIME", SandboxRuntimeLocal),
		AgentRuntimeURL: getEnv("AGENT_RUNTIME_URL", ""),
		CommandTimeout:  getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),
		Keepalive:       getEnvDuration("KEEPALIVE_INTERVAL", 30*time.Second),
		EventLog: EventLogConfig{
			Enabled:       getEnvBool("EVENT_LOG_ENABLED", true),
			Dir:           getEnv("EVENT_LOG_DIR", "./data/logs/events"),
			GlobalEnabled: getEnvBool("EVENT_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("EVENT_LOG_GLOBAL_PATH", "./data/logs/events/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT cannot be empty")
	}
	if c.SandboxRuntime != SandboxRuntimeLocal && c.SandboxRuntime != SandboxRuntimeDocker {
		return fmt.Errorf("SANDBOX_RUNTIME must be %q or %q", SandboxRuntimeLocal, SandboxRuntimeDocker)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be > 0")
	}
	if c.Keepalive <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be > 0")
	}
	if c.EventLog.Dir == "" {
		return fmt.Errorf("EVENT_LOG_DIR cannot be empty")
	}
	if c.EventLog.GlobalPath == "" {
		return fmt.Errorf("EVENT_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.EventLog.QueueSize <= 0 {
		return fmt.Errorf("EVENT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
