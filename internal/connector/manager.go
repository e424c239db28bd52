// Package connector manages the lifecycle of MCP tool providers: starting and
// stopping connections, importing tool catalogues, and routing tool calls to
// the owning provider or to in-process built-in tools.
//
// Providers are identified by their tool descriptor id from the store. A
// provider is started on demand (when an agent needs its tools) or explicitly
// via the admin API, and stays up until stopped, restarted with a fresh
// descriptor, or the manager is closed.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/observe"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// OnStopFunc is called after a provider stopped, with the tool id that went
// away. The agent cache registers one to evict agents built on that tool.
type OnStopFunc func(toolID int64)

// ProviderInfo is a point-in-time summary of one running provider.
type ProviderInfo struct {
	ToolID    int64
	Name      string
	Kind      store.ConnectionKind
	ToolCount int
	StartedAt time.Time
}

// Manager owns all provider connections and the built-in tool set.
//
// The zero value is not usable; create instances with [New]. All methods are
// safe for concurrent use.
type Manager struct {
	descriptors store.DescriptorStore
	log         *slog.Logger
	metrics     *observe.Metrics
	factory     TransportFactory

	// client is reused across all provider connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	mu        sync.RWMutex
	clients   map[int64]*ProviderClient
	toolOwner map[string]int64 // external tool name → owning tool id
	builtins  map[string]BuiltinTool
	// builtinOrder preserves registration order so agents always see the
	// built-in tools in a stable sequence.
	builtinOrder []string
	onStop       []OnStopFunc
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithTransportFactory overrides how transports are built from descriptors.
// Used by tests to connect providers over in-memory pipes.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// New creates a Manager reading descriptors from descriptors. The built-in
// tools (calculator, current_time, http_request) are registered immediately.
func New(descriptors store.DescriptorStore, opts ...Option) *Manager {
	m := &Manager{
		descriptors: descriptors,
		factory:     DefaultTransportFactory,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "toolmux", Version: "1.0.0"},
			nil,
		),
		clients:   make(map[int64]*ProviderClient),
		toolOwner: make(map[string]int64),
		builtins:  make(map[string]BuiltinTool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	for _, b := range defaultBuiltins() {
		m.builtins[b.Definition.Name] = b
		m.builtinOrder = append(m.builtinOrder, b.Definition.Name)
	}
	return m
}

// OnStop registers a callback fired after a provider is stopped (explicitly,
// via restart, or by Close). Register callbacks before serving traffic;
// registration is not synchronised with concurrent stops.
func (m *Manager) OnStop(fn OnStopFunc) {
	m.onStop = append(m.onStop, fn)
}

// Start brings up the provider for the given tool id. It reads the current
// descriptor from the store, connects, and imports the tool catalogue.
//
// Returns (false, nil) when the provider is already running — Start never
// restarts a live provider; use [Manager.Restart] to pick up descriptor
// changes. On failure no state is retained: a later Start begins from
// scratch.
func (m *Manager) Start(ctx context.Context, toolID int64) (started bool, err error) {
	m.mu.RLock()
	_, running := m.clients[toolID]
	m.mu.RUnlock()
	if running {
		return false, nil
	}

	desc, err := m.descriptors.GetToolDescriptor(ctx, toolID)
	if err != nil {
		return false, fmt.Errorf("connector: load descriptor for tool %d: %w", toolID, err)
	}

	pc := NewProviderClient(desc, m.client, m.factory)

	startBegin := time.Now()
	if err := pc.Activate(ctx); err != nil {
		m.metrics.RecordProviderStart(ctx, string(desc.Kind), "error")
		m.metrics.RecordProviderError(ctx, string(desc.Kind), "activate")
		m.log.ErrorContext(ctx, "provider start failed",
			slog.Int64("tool_id", toolID),
			slog.String("tool", desc.Name),
			slog.String("kind", string(desc.Kind)),
			slog.Any("error", err),
		)
		return false, err
	}

	m.mu.Lock()
	if _, raced := m.clients[toolID]; raced {
		// Another goroutine started this provider while we were connecting.
		// Keep theirs, discard ours.
		m.mu.Unlock()
		_ = pc.Deactivate()
		return false, nil
	}
	m.clients[toolID] = pc
	for _, def := range pc.Tools() {
		if _, taken := m.builtins[def.Name]; taken {
			m.log.Warn("provider tool shadowed by builtin",
				slog.Int64("tool_id", toolID),
				slog.String("tool", def.Name),
			)
			continue
		}
		if owner, taken := m.toolOwner[def.Name]; taken && owner != toolID {
			m.log.Warn("duplicate tool name across providers, first owner wins",
				slog.Int64("tool_id", toolID),
				slog.Int64("owner_tool_id", owner),
				slog.String("tool", def.Name),
			)
			continue
		}
		m.toolOwner[def.Name] = toolID
	}
	m.mu.Unlock()

	m.metrics.RecordProviderStart(ctx, string(desc.Kind), "ok")
	m.metrics.ProviderStartDuration.Record(ctx, time.Since(startBegin).Seconds())
	m.metrics.ActiveProviders.Add(ctx, 1)
	m.log.InfoContext(ctx, "provider started",
		slog.Int64("tool_id", toolID),
		slog.String("tool", desc.Name),
		slog.String("kind", string(desc.Kind)),
		slog.Int("tools", len(pc.Tools())),
		slog.Duration("elapsed", time.Since(startBegin)),
	)
	return true, nil
}

// Stop shuts down the provider for the given tool id and fires the OnStop
// callbacks. Returns (false, nil) when the provider was not running. The
// close error, if any, is returned after the provider has already been
// removed from the registry — callers can usually just log it.
func (m *Manager) Stop(ctx context.Context, toolID int64) (stopped bool, err error) {
	m.mu.Lock()
	pc, ok := m.clients[toolID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.clients, toolID)
	for name, owner := range m.toolOwner {
		if owner == toolID {
			delete(m.toolOwner, name)
		}
	}
	m.mu.Unlock()

	closeErr := pc.Deactivate()

	m.metrics.ProviderStops.Add(ctx, 1)
	m.metrics.ActiveProviders.Add(ctx, -1)
	m.log.InfoContext(ctx, "provider stopped",
		slog.Int64("tool_id", toolID),
		slog.String("tool", pc.Descriptor().Name),
	)

	for _, fn := range m.onStop {
		fn(toolID)
	}
	return true, closeErr
}

// Restart stops the provider (if running) and starts it again with a freshly
// loaded descriptor. This is how configuration changes take effect.
func (m *Manager) Restart(ctx context.Context, toolID int64) error {
	if _, err := m.Stop(ctx, toolID); err != nil {
		m.log.WarnContext(ctx, "error stopping provider during restart",
			slog.Int64("tool_id", toolID),
			slog.Any("error", err),
		)
	}
	if _, err := m.Start(ctx, toolID); err != nil {
		return err
	}
	return nil
}

// IsRunning reports whether a provider is registered for the tool id.
func (m *Manager) IsRunning(toolID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[toolID]
	return ok
}

// IsActive reports whether the provider for the tool id holds a live
// connection. Differs from IsRunning only in pathological states where the
// session dropped underneath us.
func (m *Manager) IsActive(toolID int64) bool {
	m.mu.RLock()
	pc, ok := m.clients[toolID]
	m.mu.RUnlock()
	return ok && pc.Active()
}

// ListRunning returns a snapshot of all running providers, in no particular
// order.
func (m *Manager) ListRunning() []ProviderInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(m.clients))
	for id, pc := range m.clients {
		desc := pc.Descriptor()
		out = append(out, ProviderInfo{
			ToolID:    id,
			Name:      desc.Name,
			Kind:      desc.Kind,
			ToolCount: len(pc.Tools()),
			StartedAt: pc.StartedAt(),
		})
	}
	return out
}

// ToolsFor returns the tool catalogue of the running provider for the given
// tool id. A registered client whose connection has lapsed is re-activated
// in place, but ToolsFor never starts a stopped provider — it returns an
// error wrapping [ErrNotRunning] instead. Auto-starting belongs to
// [Manager.ToolsForIDs].
func (m *Manager) ToolsFor(ctx context.Context, toolID int64) ([]llm.ToolDefinition, error) {
	m.mu.RLock()
	pc, ok := m.clients[toolID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector: tool %d: %w", toolID, ErrNotRunning)
	}
	if !pc.Active() {
		if err := pc.Activate(ctx); err != nil {
			return nil, err
		}
	}
	return pc.Tools(), nil
}

// ToolsForIDs collects the tool catalogues of all given tool ids, starting
// providers as needed, and appends the built-in tools at the end. Providers
// that fail to start are skipped with a warning — a broken provider degrades
// the agent's tool set rather than failing the whole request. Duplicate tool
// names keep the first occurrence.
func (m *Manager) ToolsForIDs(ctx context.Context, toolIDs []int64) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	seen := make(map[string]bool)

	for _, id := range toolIDs {
		var tools []llm.ToolDefinition
		_, err := m.Start(ctx, id)
		if err == nil {
			tools, err = m.ToolsFor(ctx, id)
		}
		if err != nil {
			m.log.WarnContext(ctx, "skipping unavailable provider",
				slog.Int64("tool_id", id),
				slog.Any("error", err),
			)
			continue
		}
		for _, def := range tools {
			if seen[def.Name] {
				continue
			}
			seen[def.Name] = true
			defs = append(defs, def)
		}
	}

	for _, name := range m.builtinOrder {
		if seen[name] {
			continue
		}
		seen[name] = true
		defs = append(defs, m.builtins[name].Definition)
	}
	return defs
}

// InvokeTool executes the named tool with JSON-encoded args. Built-in tools
// run in-process; external tools are routed to the owning provider. The
// returned string is the tool's text output — including application-level
// error text, which the model should see. A Go error means the tool could
// not be invoked at all.
func (m *Manager) InvokeTool(ctx context.Context, name, args string) (string, error) {
	start := time.Now()
	content, err := m.invokeTool(ctx, name, args)

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordToolCall(ctx, name, status)
	m.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	return content, err
}

func (m *Manager) invokeTool(ctx context.Context, name, args string) (string, error) {
	m.mu.RLock()
	builtin, isBuiltin := m.builtins[name]
	ownerID, hasOwner := m.toolOwner[name]
	var pc *ProviderClient
	if hasOwner {
		pc = m.clients[ownerID]
	}
	m.mu.RUnlock()

	if isBuiltin {
		out, err := builtin.Handler(ctx, args)
		if err != nil {
			// Feed the failure back to the model as tool output instead of
			// aborting the chat turn.
			return "tool error: " + err.Error(), nil
		}
		return out, nil
	}

	if !hasOwner || pc == nil {
		return "", fmt.Errorf("connector: tool %q not found", name)
	}

	content, isError, err := pc.Call(ctx, name, args)
	if err != nil {
		return "", err
	}
	if isError {
		return "tool error: " + content, nil
	}
	return content, nil
}

// Close stops all running providers. The OnStop callbacks fire for each.
// After Close returns the Manager must not be used again.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if _, err := m.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
