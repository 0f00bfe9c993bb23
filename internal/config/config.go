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
	Port          string
	UpstreamURL   string
	WebSocketURL  string
	DBPath        string
	APIToken      string
	FrontendURL   string
	PrecacheURLs  []string
	SweepInterval time.Duration
	Log           LogConfig
}

// LogConfig controls log output. An empty File logs to stdout; otherwise
// logs rotate via lumberjack.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8787"),
		UpstreamURL:   getEnv("UPSTREAM_URL", "http://localhost:3000"),
		WebSocketURL:  getEnv("WEBSOCKET_URL", "ws://localhost:3000/ws"),
		DBPath:        getEnv("DB_PATH", "./data/pelajari-edge.db"),
		APIToken:      getEnv("API_TOKEN", ""),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		PrecacheURLs:  splitList(getEnv("PRECACHE_URLS", "/,/manifest.json,/vite.svg")),
		SweepInterval: getEnvDuration("QUEUE_SWEEP_INTERVAL", time.Hour),
		Log: LogConfig{
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 20),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
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
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL cannot be empty")
	}
	if c.WebSocketURL == "" {
		return fmt.Errorf("WEBSOCKET_URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("QUEUE_SWEEP_INTERVAL must be > 0")
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

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
