package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	DatabaseURL string
	JWTSecret   string

	// ChannelURL selects the live log transport (redis:// or nats://).
	// Empty means readers always poll the store.
	ChannelURL       string
	SubscriberBuffer int

	AIWorkerCount     int
	SyncToolTimeout   time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration

	StreamPollInterval     time.Duration
	StreamWatchdogInterval time.Duration

	JobLogTail    int
	WorkspaceRoot string

	LLMAPIKey       string
	LLMBaseURL      string
	LLMModel        string
	LLMTokenURL     string
	LLMClientID     string
	LLMClientSecret string

	FrontendURL string

	LogLevel  slog.Level
	LogFormat string
}

// Load reads configuration from environment variables and validates required fields.
func Load() (Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
		}
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
		}
		return v
	}

	cfg := Config{
		Port:                   intVar("PORT", 8080),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		ChannelURL:             getEnv("CHANNEL_URL", ""),
		SubscriberBuffer:       intVar("SUBSCRIBER_BUFFER", 256),
		AIWorkerCount:          intVar("AI_WORKER_COUNT", 3),
		SyncToolTimeout:        durationVar("SYNC_TOOL_TIMEOUT", 30*time.Second),
		JobTimeout:             durationVar("JOB_TIMEOUT", 30*time.Minute),
		HeartbeatInterval:      durationVar("HEARTBEAT_INTERVAL", 5*time.Second),
		StreamPollInterval:     durationVar("STREAM_POLL_INTERVAL", time.Second),
		StreamWatchdogInterval: durationVar("STREAM_WATCHDOG_INTERVAL", 5*time.Second),
		JobLogTail:             intVar("JOB_LOG_TAIL", 25),
		WorkspaceRoot:          getEnv("WORKSPACE_ROOT", "."),
		LLMAPIKey:              getEnv("LLM_API_KEY", ""),
		LLMBaseURL:             getEnv("LLM_BASE_URL", ""),
		LLMModel:               getEnv("LLM_MODEL", ""),
		LLMTokenURL:            getEnv("LLM_TOKEN_URL", ""),
		LLMClientID:            getEnv("LLM_CLIENT_ID", ""),
		LLMClientSecret:        getEnv("LLM_CLIENT_SECRET", ""),
		FrontendURL:            getEnv("FRONTEND_URL", ""),
		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("parse LOG_LEVEL: %w", err))
	}
	if len(errs) > 0 {
		return Config{}, errs[0]
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AIWorkerCount < 1 {
		return fmt.Errorf("AI_WORKER_COUNT must be at least 1")
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be at least 1")
	}
	if c.JobLogTail < 1 {
		return fmt.Errorf("JOB_LOG_TAIL must be at least 1")
	}
	for key, d := range map[string]time.Duration{
		"SYNC_TOOL_TIMEOUT":        c.SyncToolTimeout,
		"JOB_TIMEOUT":              c.JobTimeout,
		"HEARTBEAT_INTERVAL":       c.HeartbeatInterval,
		"STREAM_POLL_INTERVAL":     c.StreamPollInterval,
		"STREAM_WATCHDOG_INTERVAL": c.StreamWatchdogInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.LLMTokenURL != "" && c.LLMClientID == "" {
		return fmt.Errorf("LLM_CLIENT_ID is required with LLM_TOKEN_URL")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(v)
}
