// Package agentcache builds and caches agents keyed by assistant and tool
// selection fingerprint.
//
// Building an agent is expensive (it may start tool providers to import
// their catalogues), so concurrent requests for the same selection are
// collapsed into a single build via singleflight. Cached agents are evicted
// when one of their tools stops or changes (exact fingerprint component
// match), when their assistant is reconfigured, or when they sit idle past
// the sweep threshold.
package agentcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/toolmux/toolmux/internal/agent"
	"github.com/toolmux/toolmux/internal/observe"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// ToolSource aggregates tool catalogues for a tool id selection. The
// connector manager implements this.
type ToolSource interface {
	ToolsForIDs(ctx context.Context, toolIDs []int64) []llm.ToolDefinition
}

// cacheKey identifies one cached agent: the assistant it serves and its
// exact tool selection.
type cacheKey struct {
	assistantID int64
	fingerprint string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d:%s", k.assistantID, k.fingerprint)
}

// Cache builds agents on demand and reuses them across requests.
//
// All methods are safe for concurrent use.
type Cache struct {
	tools    ToolSource
	invoker  agent.Invoker
	provider llm.Provider
	log      *slog.Logger
	metrics  *observe.Metrics

	// Generation defaults applied to every built agent.
	temperature float64
	maxTokens   int

	mu     sync.RWMutex
	agents map[cacheKey]*agent.Agent

	// group collapses concurrent builds of the same key into one.
	group singleflight.Group
}

// Option configures a [Cache].
type Option func(*Cache)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = met }
}

// WithGenerationDefaults sets the temperature and completion-token cap
// applied to every agent the cache builds. Zero values mean provider
// defaults.
func WithGenerationDefaults(temperature float64, maxTokens int) Option {
	return func(c *Cache) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// New creates a Cache that assembles agents from the given tool source,
// invoker, and LLM provider.
func New(tools ToolSource, invoker agent.Invoker, provider llm.Provider, opts ...Option) *Cache {
	c := &Cache{
		tools:    tools,
		invoker:  invoker,
		provider: provider,
		agents:   make(map[cacheKey]*agent.Agent),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// GetOrBuild returns the cached agent for the assistant and tool selection,
// building it first when absent. Concurrent callers with the same assistant
// and selection share a single build; distinct selections build in parallel.
func (c *Cache) GetOrBuild(ctx context.Context, asst store.Assistant, toolIDs []int64) (*agent.Agent, error) {
	key := cacheKey{assistantID: asst.ID, fingerprint: Fingerprint(toolIDs)}

	c.mu.RLock()
	cached, ok := c.agents[key]
	c.mu.RUnlock()
	if ok {
		cached.Touch()
		c.metrics.AgentCacheHits.Add(ctx, 1)
		return cached, nil
	}

	c.metrics.AgentCacheMisses.Add(ctx, 1)

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Re-check under the build lock: a previous flight may have
		// populated the cache between our miss and this call.
		c.mu.RLock()
		existing, ok := c.agents[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		start := time.Now()
		built, err := c.build(ctx, asst, toolIDs, key.fingerprint)
		if err != nil {
			return nil, err
		}
		c.metrics.AgentBuildDuration.Record(ctx, time.Since(start).Seconds())

		c.mu.Lock()
		c.agents[key] = built
		c.mu.Unlock()
		c.metrics.CachedAgents.Add(ctx, 1)

		c.log.InfoContext(ctx, "agent built",
			slog.Int64("assistant_id", asst.ID),
			slog.String("assistant", asst.Name),
			slog.String("fingerprint", key.fingerprint),
			slog.Int("tools", len(built.Tools())),
			slog.Duration("elapsed", time.Since(start)),
		)
		return built, nil
	})
	if err != nil {
		return nil, err
	}

	a := v.(*agent.Agent)
	a.Touch()
	return a, nil
}

// build assembles a fresh agent: it aggregates the tool catalogues for the
// selection (starting providers as needed) and binds them to the assistant's
// prompt and the LLM provider.
func (c *Cache) build(ctx context.Context, asst store.Assistant, toolIDs []int64, fingerprint string) (*agent.Agent, error) {
	defs := c.tools.ToolsForIDs(ctx, toolIDs)

	a, err := agent.New(agent.Config{
		AssistantID:  asst.ID,
		Name:         asst.Name,
		SystemPrompt: asst.SystemPrompt,
		Fingerprint:  fingerprint,
		Provider:     c.provider,
		Invoker:      c.invoker,
		Tools:        defs,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		Logger:       c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("agentcache: build agent for assistant %d: %w", asst.ID, err)
	}
	return a, nil
}

// Invalidate evicts every agent whose tool selection contains toolID as an
// exact fingerprint component. Returns the number of evicted agents. Called
// when a tool provider stops or its configuration changes.
func (c *Cache) Invalidate(toolID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.agents {
		if containsComponent(key.fingerprint, toolID) {
			delete(c.agents, key)
			n++
		}
	}
	if n > 0 {
		c.metrics.CachedAgents.Add(context.Background(), int64(-n))
		c.log.Info("agents invalidated by tool change",
			slog.Int64("tool_id", toolID),
			slog.Int("evicted", n),
		)
	}
	return n
}

// InvalidateAssistant evicts every agent built for the given assistant.
// Returns the number of evicted agents. Called when assistant configuration
// (prompt, tool bindings, model) changes.
func (c *Cache) InvalidateAssistant(assistantID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.agents {
		if key.assistantID == assistantID {
			delete(c.agents, key)
			n++
		}
	}
	if n > 0 {
		c.metrics.CachedAgents.Add(context.Background(), int64(-n))
	}
	return n
}

// InvalidateAll empties the cache and returns the number of evicted agents.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.agents)
	c.agents = make(map[cacheKey]*agent.Agent)
	if n > 0 {
		c.metrics.CachedAgents.Add(context.Background(), int64(-n))
	}
	return n
}

// SweepIdle evicts agents whose last use is older than maxIdle. Returns the
// number of evicted agents. The background sweeper calls this periodically.
func (c *Cache) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, a := range c.agents {
		if a.LastUsed().Before(cutoff) {
			delete(c.agents, key)
			n++
		}
	}
	if n > 0 {
		c.metrics.CachedAgents.Add(context.Background(), int64(-n))
		c.log.Info("idle agents swept", slog.Int("evicted", n))
	}
	return n
}

// Len returns the number of cached agents.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}
