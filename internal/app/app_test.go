package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/toolmux/toolmux/internal/app"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm/mock"
)

// testConfig returns a minimal config binding an ephemeral port.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Model: config.ModelConfig{
			Provider: "openai",
			Model:    "gpt-4o",
		},
		Sessions: config.SessionConfig{
			IdleTimeout:   config.Duration(30 * time.Minute),
			SweepInterval: config.Duration(time.Minute),
		},
		Agents: config.AgentConfig{
			IdleTimeout:   config.Duration(30 * time.Minute),
			SweepInterval: config.Duration(5 * time.Minute),
		},
	}
}

func TestNew_WithInjectedDoubles(t *testing.T) {
	t.Parallel()

	application, err := app.New(t.Context(), testConfig(),
		app.WithStore(store.NewMemStore()),
		app.WithProvider(&mock.Provider{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_DefaultsToMemStoreWithoutDSN(t *testing.T) {
	t.Parallel()

	// No database configured and no store injected: New must still come up.
	application, err := app.New(t.Context(), testConfig(),
		app.WithProvider(&mock.Provider{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer application.Shutdown(context.Background())
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	application, err := app.New(t.Context(), testConfig(),
		app.WithStore(store.NewMemStore()),
		app.WithProvider(&mock.Provider{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := application.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := application.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(t.Context(), testConfig(),
		app.WithStore(store.NewMemStore()),
		app.WithProvider(&mock.Provider{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	// Give the server a moment to start listening, then stop it.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
