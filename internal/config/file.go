package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for the YAML overlay. Empty fields leave defaults untouched.
type fileConfig struct {
	BindAddr         string `yaml:"bind_addr"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	LogLevel         string `yaml:"log_level"`
	AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`

	Session struct {
		InactivityTimeout string `yaml:"inactivity_timeout"`
		Retention         string `yaml:"retention"`
		JanitorInterval   string `yaml:"janitor_interval"`
	} `yaml:"session"`

	Escalation struct {
		DefaultThreshold int    `yaml:"default_threshold"`
		Increment        int    `yaml:"increment"`
		TickInterval     string `yaml:"tick_interval"`
	} `yaml:"escalation"`

	HeartbeatInterval string `yaml:"heartbeat_interval"`

	History struct {
		DatabaseURL   string `yaml:"database_url"`
		RedisAddr     string `yaml:"redis_addr"`
		MaxPerSession int    `yaml:"max_per_session"`
	} `yaml:"history"`
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DatabaseURL, fc.History.DatabaseURL)
	setString(&cfg.RedisAddr, fc.History.RedisAddr)
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.Escalation.DefaultThreshold != 0 {
		cfg.DefaultThreshold = fc.Escalation.DefaultThreshold
	}
	if fc.Escalation.Increment != 0 {
		cfg.EscalationIncrement = fc.Escalation.Increment
	}
	if fc.History.MaxPerSession != 0 {
		cfg.HistoryMaxPerSession = fc.History.MaxPerSession
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"session.inactivity_timeout", fc.Session.InactivityTimeout, &cfg.SessionInactivityTimeout},
		{"session.retention", fc.Session.Retention, &cfg.SessionRetention},
		{"session.janitor_interval", fc.Session.JanitorInterval, &cfg.JanitorInterval},
		{"escalation.tick_interval", fc.Escalation.TickInterval, &cfg.TickInterval},
		{"heartbeat_interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s parse error: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
