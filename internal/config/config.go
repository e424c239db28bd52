// Package config provides the configuration schema and loader for the
// toolmux server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the toolmux server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values like "30m" or "90s" parse
// naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for toolmux. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Sessions SessionConfig  `yaml:"sessions"`
	Agents   AgentConfig    `yaml:"agents"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DatabaseConfig selects the configuration store backend.
type DatabaseConfig struct {
	// PostgresDSN is the connection string for the configuration database.
	// When empty, toolmux runs with an in-memory store and loses all tool,
	// assistant, and API key configuration on restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ModelConfig selects the LLM backend used by all assistants.
type ModelConfig struct {
	// Provider selects the model provider (e.g., "openai", "anthropic",
	// "ollama").
	Provider string `yaml:"provider"`

	// Model names the model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty to
	// use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Temperature is the default sampling temperature. Zero uses the
	// provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// SessionConfig tunes conversation session expiry.
type SessionConfig struct {
	// IdleTimeout is the sliding window after which an untouched session is
	// evicted. Defaults to 30m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the background sweep runs. Defaults to 1m.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// AgentConfig tunes the composite agent cache.
type AgentConfig struct {
	// IdleTimeout is how long a cached agent may go unused before the sweep
	// evicts it. Defaults to 30m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the background sweep runs. Defaults to 5m.
	SweepInterval Duration `yaml:"sweep_interval"`
}
