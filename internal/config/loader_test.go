package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
database:
  postgres_dsn: "postgres://toolmux@localhost/toolmux"
model:
  provider: openai
  model: gpt-4o
  api_key: sk-test
  temperature: 0.7
  max_tokens: 2048
sessions:
  idle_timeout: 45m
  sweep_interval: 30s
agents:
  idle_timeout: 1h
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Model.Provider != "openai" || cfg.Model.Model != "gpt-4o" {
		t.Errorf("model = %s/%s, want openai/gpt-4o", cfg.Model.Provider, cfg.Model.Model)
	}
	if cfg.Sessions.IdleTimeout.Std() != 45*time.Minute {
		t.Errorf("sessions idle timeout = %v, want 45m", cfg.Sessions.IdleTimeout.Std())
	}
	if cfg.Sessions.SweepInterval.Std() != 30*time.Second {
		t.Errorf("sessions sweep interval = %v, want 30s", cfg.Sessions.SweepInterval.Std())
	}
	if cfg.Agents.IdleTimeout.Std() != time.Hour {
		t.Errorf("agents idle timeout = %v, want 1h", cfg.Agents.IdleTimeout.Std())
	}
	// Omitted values fall back to defaults.
	if cfg.Agents.SweepInterval.Std() != 5*time.Minute {
		t.Errorf("agents sweep interval = %v, want default 5m", cfg.Agents.SweepInterval.Std())
	}
}

func TestLoadFromReaderDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader("model: {provider: openai, model: gpt-4o}"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want default info", cfg.Server.LogLevel)
	}
	if cfg.Sessions.IdleTimeout.Std() != 30*time.Minute {
		t.Errorf("sessions idle timeout = %v, want default 30m", cfg.Sessions.IdleTimeout.Std())
	}
	if cfg.Sessions.SweepInterval.Std() != time.Minute {
		t.Errorf("sessions sweep interval = %v, want default 1m", cfg.Sessions.SweepInterval.Std())
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
model: {provider: openai, model: gpt-4o}
sesions:
  idle_timeout: 45m
`))
	if err == nil {
		t.Fatal("expected error for misspelled top-level key")
	}
}

func TestLoadFromReaderInvalidDuration(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
model: {provider: openai, model: gpt-4o}
sessions:
  idle_timeout: soon
`))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}
	cfg.Model.Temperature = 3

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"cert_file and key_file",
		"model.provider is required",
		"model.model is required",
		"model.temperature",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
