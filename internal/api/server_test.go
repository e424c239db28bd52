package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/toolmux/toolmux/internal/agentcache"
	"github.com/toolmux/toolmux/internal/connector"
	"github.com/toolmux/toolmux/internal/orchestrator"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm"
	"github.com/toolmux/toolmux/pkg/provider/llm/mock"
)

// stubConnector fakes the connector manager for handler tests.
type stubConnector struct {
	mu       sync.Mutex
	running  map[int64]connector.ProviderInfo
	startErr error
	stops    []int64
}

func newStubConnector() *stubConnector {
	return &stubConnector{running: make(map[int64]connector.ProviderInfo)}
}

func (c *stubConnector) Start(_ context.Context, toolID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return false, c.startErr
	}
	if _, ok := c.running[toolID]; ok {
		return false, nil
	}
	c.running[toolID] = connector.ProviderInfo{ToolID: toolID, Name: "stub", Kind: store.KindHTTP, StartedAt: time.Now()}
	return true, nil
}

func (c *stubConnector) Stop(_ context.Context, toolID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, toolID)
	if _, ok := c.running[toolID]; !ok {
		return false, nil
	}
	delete(c.running, toolID)
	return true, nil
}

func (c *stubConnector) Restart(ctx context.Context, toolID int64) error {
	c.Stop(ctx, toolID)
	_, err := c.Start(ctx, toolID)
	return err
}

func (c *stubConnector) IsRunning(toolID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[toolID]
	return ok
}

func (c *stubConnector) ToolsFor(_ context.Context, toolID int64) ([]llm.ToolDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[toolID]; !ok {
		return nil, fmt.Errorf("connector: tool %d: %w", toolID, connector.ErrNotRunning)
	}
	return []llm.ToolDefinition{{Name: "search", Description: "full text search"}}, nil
}

func (c *stubConnector) ListRunning() []connector.ProviderInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]connector.ProviderInfo, 0, len(c.running))
	for _, p := range c.running {
		out = append(out, p)
	}
	return out
}

type stubToolSource struct{}

func (stubToolSource) ToolsForIDs(_ context.Context, toolIDs []int64) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(toolIDs))
	for i := range toolIDs {
		defs[i] = llm.ToolDefinition{Name: "tool"}
	}
	return defs
}

type nopInvoker struct{}

func (nopInvoker) InvokeTool(context.Context, string, string) (string, error) { return "ok", nil }

// Test key secrets. userKey may chat with assistant 1 only; adminKey has the
// manage capability.
const (
	userSecret  = "ak-user"
	adminSecret = "ak-admin"
)

type testEnv struct {
	store     *store.MemStore
	provider  *mock.Provider
	sessions  *session.Registry
	connector *stubConnector
	server    *Server
}

func newTestEnv(t *testing.T, provider *mock.Provider) *testEnv {
	t.Helper()

	st := store.NewMemStore()
	st.PutAssistant(store.AssistantWithTools{
		Assistant: store.Assistant{
			ID:      1,
			Name:    "helper",
			Type:    store.AssistantDedicated,
			Enabled: true,
		},
		Tools: []store.AssistantTool{{ToolID: 7, Priority: 0}},
	})
	st.PutAssistant(store.AssistantWithTools{
		Assistant: store.Assistant{
			ID:      2,
			Name:    "restricted",
			Type:    store.AssistantDedicated,
			Enabled: true,
		},
	})
	st.PutTool(store.ToolDescriptor{ID: 7, Name: "search", Kind: store.KindHTTP, URL: "http://x", Enabled: true})
	st.PutTool(store.ToolDescriptor{ID: 8, Name: "off", Kind: store.KindHTTP, URL: "http://y", Enabled: false})
	st.PutAPIKey(userSecret, store.APIKey{ID: 10, Name: "user", Enabled: true}, 1)
	st.PutAPIKey(adminSecret, store.APIKey{ID: 11, Name: "admin", CanManage: true, Enabled: true})

	cache := agentcache.New(stubToolSource{}, nopInvoker{}, provider)
	sessions := session.NewRegistry()
	orch := orchestrator.New(st, cache, sessions)
	conn := newStubConnector()

	return &testEnv{
		store:     st,
		provider:  provider,
		sessions:  sessions,
		connector: conn,
		server:    NewServer(st, orch, sessions, conn),
	}
}
