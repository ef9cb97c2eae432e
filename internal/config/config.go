// Package config collects hub configuration from the environment, with an
// optional YAML file overlay.
//
// Precedence (lowest to highest):
//  1. Built-in defaults
//  2. YAML file named by POTLUCK_CONFIG (if set and readable)
//  3. Environment variables
//
// All durations accept Go duration syntax ("4h", "30m", "2s").
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the hub. TTL and reaper interval are configuration, not
// compile-time constants; tests run with sub-second values.
const (
	DefaultPort           = 8080
	DefaultSessionTTL     = 4 * time.Hour
	DefaultReaperInterval = 30 * time.Minute
)

// Config holds the full hub configuration.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port int `yaml:"port"`

	// SessionTTL is the idle timeout after which a session is reaped.
	SessionTTL time.Duration `yaml:"sessionTTL"`

	// ReaperInterval is how often the reaper sweeps for expired sessions.
	ReaperInterval time.Duration `yaml:"reaperInterval"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`

	// LogPretty enables console-formatted log output for development.
	LogPretty bool `yaml:"logPretty"`

	// AllowedOrigin restricts WebSocket upgrades to a single Origin.
	// Empty means any origin is accepted.
	AllowedOrigin string `yaml:"allowedOrigin"`
}

// fileConfig mirrors Config with pointer fields so the YAML overlay can
// distinguish "absent" from zero values.
type fileConfig struct {
	Port           *int    `yaml:"port"`
	SessionTTL     *string `yaml:"sessionTTL"`
	ReaperInterval *string `yaml:"reaperInterval"`
	LogLevel       *string `yaml:"logLevel"`
	LogPretty      *bool   `yaml:"logPretty"`
	AllowedOrigin  *string `yaml:"allowedOrigin"`
}

// Load builds the configuration from defaults, the optional YAML file, and
// the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           DefaultPort,
		SessionTTL:     DefaultSessionTTL,
		ReaperInterval: DefaultReaperInterval,
		LogLevel:       "info",
		LogPretty:      false,
	}

	if path := os.Getenv("POTLUCK_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnvInt("POTLUCK_PORT", cfg.Port)
	cfg.LogLevel = getEnv("POTLUCK_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnv("POTLUCK_LOG_PRETTY", strconv.FormatBool(cfg.LogPretty)) == "true"
	cfg.AllowedOrigin = getEnv("POTLUCK_ALLOWED_ORIGIN", cfg.AllowedOrigin)

	var err error
	if cfg.SessionTTL, err = getEnvDuration("POTLUCK_SESSION_TTL", cfg.SessionTTL); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = getEnvDuration("POTLUCK_REAPER_INTERVAL", cfg.ReaperInterval); err != nil {
		return nil, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be positive, got %s", cfg.SessionTTL)
	}
	if cfg.ReaperInterval <= 0 {
		return nil, fmt.Errorf("reaper interval must be positive, got %s", cfg.ReaperInterval)
	}

	return cfg, nil
}

// applyFile overlays values from a YAML config file onto cfg.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.SessionTTL != nil {
		d, err := time.ParseDuration(*fc.SessionTTL)
		if err != nil {
			return fmt.Errorf("sessionTTL: %w", err)
		}
		c.SessionTTL = d
	}
	if fc.ReaperInterval != nil {
		d, err := time.ParseDuration(*fc.ReaperInterval)
		if err != nil {
			return fmt.Errorf("reaperInterval: %w", err)
		}
		c.ReaperInterval = d
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogPretty != nil {
		c.LogPretty = *fc.LogPretty
	}
	if fc.AllowedOrigin != nil {
		c.AllowedOrigin = *fc.AllowedOrigin
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
