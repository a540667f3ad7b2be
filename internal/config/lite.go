// Package config provides configuration management for the server binaries.
// This file contains the environment-only configuration for the SQLite mode.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prior-auth-server/internal/domain"
)

// LiteConfig configures the single-binary deployment backed by SQLite.
// It needs no external services besides the language model provider.
type LiteConfig struct {
	DataDir       string // Base directory for the database
	GuidelinesDir string // Directory of YAML guideline trees, optional
	Watch         bool   // Reload guideline files when they change

	CacheMaxItems int // Indexed records kept in memory

	LLMAPIKey      string
	LLMModel       string
	MaxConcurrency int

	HTTPPort       int
	RequestTimeout time.Duration

	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()

	return &LiteConfig{
		DataDir:        filepath.Join(homeDir, ".prior-auth"),
		CacheMaxItems:  64,
		LLMModel:       "claude-sonnet-4-5",
		MaxConcurrency: 4,
		HTTPPort:       8080,
		RequestTimeout: 5 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadLiteConfig loads configuration from environment variables, falling
// back to defaults.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("PRIOR_AUTH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PRIOR_AUTH_GUIDELINES_DIR"); v != "" {
		cfg.GuidelinesDir = v
	}
	if v := os.Getenv("PRIOR_AUTH_GUIDELINES_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watch = b
		}
	}

	if v := os.Getenv("PRIOR_AUTH_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}

	cfg.LLMAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	if v := os.Getenv("PRIOR_AUTH_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("PRIOR_AUTH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}

	if v := os.Getenv("PRIOR_AUTH_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("PRIOR_AUTH_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}

	if v := os.Getenv("PRIOR_AUTH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PRIOR_AUTH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// DBPath returns the path to the SQLite database
func (c *LiteConfig) DBPath() string {
	return filepath.Join(c.DataDir, "prior_auth.db")
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *LiteConfig) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// Logging returns the logging section for NewLogger. Lite binaries log to
// stderr so stdout stays free for the MCP stdio transport.
func (c *LiteConfig) Logging() domain.LoggingConfig {
	return domain.LoggingConfig{Level: c.LogLevel, Format: c.LogFormat, Output: "stderr"}
}

// LLM returns the language model section
func (c *LiteConfig) LLM() domain.LLMConfig {
	return domain.LLMConfig{
		APIKey:        c.LLMAPIKey,
		Model:         c.LLMModel,
		MaxTokens:     2048,
		Timeout:       90 * time.Second,
		RateLimit:     5,
		Burst:         5,
		MaxFailures:   3,
		BreakerWindow: 30 * time.Second,
	}
}
