package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the annotation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	// Zero disables inactivity expiry; sessions then end only on explicit end or disconnect.
	SessionInactivityTimeout time.Duration
	// Zero keeps ended sessions as tombstones for the life of the process.
	SessionRetention time.Duration
	JanitorInterval  time.Duration

	DefaultThreshold    int
	EscalationIncrement int
	TickInterval        time.Duration
	HeartbeatInterval   time.Duration

	DatabaseURL          string
	RedisAddr            string
	HistoryMaxPerSession int
}

// Load reads the optional APP_CONFIG_FILE overlay, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 ":4000",
		MetricsNamespace:         "emoji_analysis",
		LogLevel:                 "info",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 0,
		SessionRetention:         30 * time.Minute,
		JanitorInterval:          5 * time.Second,
		DefaultThreshold:         2,
		EscalationIncrement:      2,
		TickInterval:             2 * time.Second,
		HeartbeatInterval:        time.Second,
		HistoryMaxPerSession:     500,
	}

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := fc.apply(&cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TickInterval, err = durationFromEnv("ESCALATION_TICK_INTERVAL", cfg.TickInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultThreshold, err = intFromEnv("ESCALATION_DEFAULT_THRESHOLD", cfg.DefaultThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.EscalationIncrement, err = intFromEnv("ESCALATION_INCREMENT", cfg.EscalationIncrement)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryMaxPerSession, err = intFromEnv("HISTORY_MAX_PER_SESSION", cfg.HistoryMaxPerSession)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DefaultThreshold < 1 {
		return fmt.Errorf("ESCALATION_DEFAULT_THRESHOLD must be at least 1")
	}
	if c.EscalationIncrement < 1 {
		return fmt.Errorf("ESCALATION_INCREMENT must be at least 1")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("ESCALATION_TICK_INTERVAL must be positive")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be >= 0")
	}
	if c.SessionInactivityTimeout < 0 || c.SessionRetention < 0 {
		return fmt.Errorf("session timeouts must be >= 0")
	}
	if c.SessionInactivityTimeout > 0 && c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.HistoryMaxPerSession < 0 {
		return fmt.Errorf("HISTORY_MAX_PER_SESSION must be >= 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
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

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
