package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidModelProviders lists known model provider names. Used by [Validate]
// to warn about unrecognised names.
var ValidModelProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = Duration(30 * time.Minute)
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = Duration(time.Minute)
	}
	if cfg.Agents.IdleTimeout == 0 {
		cfg.Agents.IdleTimeout = Duration(30 * time.Minute)
	}
	if cfg.Agents.SweepInterval == 0 {
		cfg.Agents.SweepInterval = Duration(5 * time.Minute)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Model
	if cfg.Model.Provider == "" {
		errs = append(errs, errors.New("model.provider is required"))
	} else if !slices.Contains(ValidModelProviders, cfg.Model.Provider) {
		slog.Warn("unknown model provider — may be a typo or third-party provider",
			"provider", cfg.Model.Provider,
			"known", ValidModelProviders,
		)
	}
	if cfg.Model.Model == "" {
		errs = append(errs, errors.New("model.model is required"))
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature %.2f is out of range [0, 2]", cfg.Model.Temperature))
	}
	if cfg.Model.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens %d must not be negative", cfg.Model.MaxTokens))
	}

	// Persistence
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; tool and assistant configuration will not survive restarts")
	}

	// Expiry windows
	if cfg.Sessions.IdleTimeout < 0 {
		errs = append(errs, errors.New("sessions.idle_timeout must not be negative"))
	}
	if cfg.Agents.IdleTimeout < 0 {
		errs = append(errs, errors.New("agents.idle_timeout must not be negative"))
	}

	return errors.Join(errs...)
}
