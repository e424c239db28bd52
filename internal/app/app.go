// Package app wires all toolmux subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and the background sweeps until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithStore, WithProvider).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/toolmux/toolmux/internal/agent"
	"github.com/toolmux/toolmux/internal/agentcache"
	"github.com/toolmux/toolmux/internal/api"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/connector"
	"github.com/toolmux/toolmux/internal/health"
	"github.com/toolmux/toolmux/internal/orchestrator"
	"github.com/toolmux/toolmux/internal/resilience"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/internal/store/postgres"
	"github.com/toolmux/toolmux/pkg/provider/llm"
	"github.com/toolmux/toolmux/pkg/provider/llm/anyllm"
	"github.com/toolmux/toolmux/pkg/provider/llm/openai"
)

// The connector manager is the tool source, tool invoker, and lifecycle
// backend all at once.
var (
	_ agentcache.ToolSource = (*connector.Manager)(nil)
	_ agent.Invoker         = (*connector.Manager)(nil)
	_ api.Connector         = (*connector.Manager)(nil)
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	store     store.Store
	pg        *postgres.Store
	provider  llm.Provider
	connector *connector.Manager
	cache     *agentcache.Cache
	sessions  *session.Registry
	orch      *orchestrator.Orchestrator
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithStore injects a configuration store instead of connecting to
// PostgreSQL from config.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithProvider injects an LLM provider instead of creating one from config.
// The injected provider is used as-is, without the circuit breaker wrapper.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the configuration
// store, the LLM provider (behind a circuit breaker), the tool provider
// manager, the agent cache, the session registry, the orchestrator, and the
// HTTP API.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init llm provider: %w", err)
	}
	a.initConnector()
	a.initSessions()
	a.orch = orchestrator.New(a.store, a.cache, a.sessions,
		orchestrator.WithLogger(a.log))
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL, or falls back to the in-memory store
// when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.log.Warn("no database configured, using in-memory store; configuration is lost on restart")
		a.store = store.NewMemStore()
		return nil
	}

	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.pg = pg
	a.store = pg
	a.closers = append(a.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	return nil
}

// initProvider builds the configured LLM backend and wraps it in a circuit
// breaker so a failing upstream sheds load instead of stalling every chat.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil // injected
	}

	m := a.cfg.Model
	var (
		inner llm.Provider
		err   error
	)
	switch m.Provider {
	case "openai":
		var oaiOpts []openai.Option
		if m.BaseURL != "" {
			oaiOpts = append(oaiOpts, openai.WithBaseURL(m.BaseURL))
		}
		inner, err = openai.New(m.APIKey, m.Model, oaiOpts...)
	default:
		var libOpts []anyllmlib.Option
		if m.APIKey != "" {
			libOpts = append(libOpts, anyllmlib.WithAPIKey(m.APIKey))
		}
		if m.BaseURL != "" {
			libOpts = append(libOpts, anyllmlib.WithBaseURL(m.BaseURL))
		}
		inner, err = anyllm.New(m.Provider, m.Model, libOpts...)
	}
	if err != nil {
		return err
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "llm:" + m.Provider,
		Logger: a.log,
	})
	a.provider = resilience.NewGuardedProvider(inner, breaker)
	a.log.Info("llm provider configured",
		slog.String("provider", m.Provider),
		slog.String("model", m.Model))
	return nil
}

// initConnector creates the tool provider manager and the agent cache on top
// of it, wiring the stop hook so a stopped provider evicts the agents built
// from it.
func (a *App) initConnector() {
	mgr := connector.New(a.store, connector.WithLogger(a.log))
	a.connector = mgr
	a.closers = append(a.closers, mgr.Close)

	a.cache = agentcache.New(mgr, mgr, a.provider,
		agentcache.WithLogger(a.log),
		agentcache.WithGenerationDefaults(a.cfg.Model.Temperature, a.cfg.Model.MaxTokens),
	)
	mgr.OnStop(func(toolID int64) {
		a.cache.Invalidate(toolID)
	})
}

// initSessions creates the conversation session registry.
func (a *App) initSessions() {
	a.sessions = session.NewRegistry(
		session.WithLogger(a.log),
		session.WithIdleTimeout(a.cfg.Sessions.IdleTimeout.Std()),
	)
	a.closers = append(a.closers, func(context.Context) error {
		a.sessions.CloseAll()
		return nil
	})
}

// initHTTP assembles the API server with health checks and wraps it in an
// http.Server.
func (a *App) initHTTP() {
	checkers := []health.Checker{{
		Name: "llm_provider",
		Check: func(context.Context) error {
			if gp, ok := a.provider.(*resilience.GuardedProvider); ok {
				if gp.Breaker().State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
			}
			return nil
		},
	}}
	if a.pg != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.pg.Ping})
	}

	srv := api.NewServer(a.store, a.orch, a.sessions, a.connector,
		api.WithLogger(a.log),
		api.WithHealth(health.New(checkers...)),
	)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and the background sweeps until ctx is cancelled, then
// shuts everything down. It returns the first fatal error, or nil on a clean
// shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		var err error
		if tls != nil {
			a.log.Info("listening", slog.String("addr", a.server.Addr), slog.Bool("tls", true))
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("listening", slog.String("addr", a.server.Addr))
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sessions.RunSweeper(ctx, a.cfg.Sessions.SweepInterval.Std())
		return nil
	})

	g.Go(func() error {
		a.runAgentSweeper(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runAgentSweeper periodically evicts idle agents from the cache.
func (a *App) runAgentSweeper(ctx context.Context) {
	interval := a.cfg.Agents.SweepInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cache.SweepIdle(a.cfg.Agents.IdleTimeout.Std())
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, then tears down the remaining subsystems
// in init order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", slog.Any("error", err))
			shutdownErr = err
		}

		for _, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded")
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.log.Warn("closer error", slog.Any("error", err))
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
