package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStoreToolDescriptors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	base := time.Now().Add(-time.Hour)
	s.PutTool(ToolDescriptor{ID: 2, Name: "files", Kind: KindStdio, Command: "mcp-files", Enabled: true, CreatedAt: base.Add(time.Minute)})
	s.PutTool(ToolDescriptor{ID: 1, Name: "search", Kind: KindHTTP, URL: "http://x", Enabled: true, CreatedAt: base})
	s.PutTool(ToolDescriptor{ID: 3, Name: "legacy", Kind: KindSSE, URL: "http://y", Enabled: false, CreatedAt: base.Add(2 * time.Minute)})

	d, err := s.GetToolDescriptor(ctx, 2)
	if err != nil {
		t.Fatalf("GetToolDescriptor: %v", err)
	}
	if d.Name != "files" || d.Kind != KindStdio {
		t.Errorf("descriptor = %+v, want files/stdio", d)
	}

	if _, err := s.GetToolDescriptor(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	// Enabled listing is ordered by creation time and excludes disabled tools.
	enabled, err := s.ListEnabledToolDescriptors(ctx)
	if err != nil {
		t.Fatalf("ListEnabledToolDescriptors: %v", err)
	}
	if len(enabled) != 2 || enabled[0].ID != 1 || enabled[1].ID != 2 {
		t.Errorf("enabled ids = %v, want [1 2]", enabled)
	}
}

func TestMemStoreUpdateToolEnabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	s.PutTool(ToolDescriptor{ID: 1, Name: "search", Kind: KindHTTP, URL: "http://x", Enabled: true})

	if err := s.UpdateToolEnabled(ctx, 1, false); err != nil {
		t.Fatalf("UpdateToolEnabled: %v", err)
	}
	d, _ := s.GetToolDescriptor(ctx, 1)
	if d.Enabled {
		t.Error("tool still enabled after update")
	}

	if err := s.UpdateToolEnabled(ctx, 99, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreAssistantByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	s.PutAssistant(AssistantWithTools{Assistant: Assistant{ID: 1, Name: "Helper", Type: AssistantDedicated, Enabled: true}})
	s.PutAssistant(AssistantWithTools{Assistant: Assistant{ID: 2, Name: "helper", Type: AssistantDedicated, Enabled: true}})
	s.PutAssistant(AssistantWithTools{Assistant: Assistant{ID: 3, Name: "hidden", Type: AssistantDedicated, Enabled: false}})

	// Exact match wins over the case-folded one.
	a, err := s.GetAssistantByName(ctx, "helper")
	if err != nil {
		t.Fatalf("GetAssistantByName: %v", err)
	}
	if a.ID != 2 {
		t.Errorf("resolved assistant %d, want 2 (exact match)", a.ID)
	}

	a, err = s.GetAssistantByName(ctx, "HELPER")
	if err != nil {
		t.Fatalf("GetAssistantByName: %v", err)
	}
	if a.ID != 1 && a.ID != 2 {
		t.Errorf("case-insensitive match resolved %d, want 1 or 2", a.ID)
	}

	if _, err := s.GetAssistantByName(ctx, "hidden"); !errors.Is(err, ErrNotFound) {
		t.Errorf("disabled assistant resolvable by name: err = %v", err)
	}
	if _, err := s.GetAssistantByName(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreListEnabledAssistants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	base := time.Now().Add(-time.Hour)
	s.PutAssistant(AssistantWithTools{Assistant: Assistant{ID: 2, Name: "beta", Type: AssistantUniversal, Enabled: true, CreatedAt: base.Add(time.Minute)}})
	s.PutAssistant(AssistantWithTools{Assistant: Assistant{ID: 1, Name: "alpha", Type: AssistantDedicated, Enabled: true, CreatedAt: base}})
	s.PutAssistant(AssistantWithTools{Assistant: Assistant{ID: 3, Name: "off", Type: AssistantDedicated, Enabled: false, CreatedAt: base}})

	got, err := s.ListEnabledAssistants(ctx)
	if err != nil {
		t.Fatalf("ListEnabledAssistants: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("assistants = %v, want [alpha beta] in creation order", got)
	}
}

func TestMemStoreAssistantWithTools(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	s.PutAssistant(AssistantWithTools{
		Assistant: Assistant{ID: 1, Name: "helper", Type: AssistantDedicated, Enabled: true},
		Tools:     []AssistantTool{{ToolID: 7, Priority: 1}, {ToolID: 9, Priority: 0}},
	})

	awt, err := s.GetAssistantWithTools(ctx, 1)
	if err != nil {
		t.Fatalf("GetAssistantWithTools: %v", err)
	}
	if len(awt.Tools) != 2 {
		t.Fatalf("bindings = %d, want 2", len(awt.Tools))
	}

	// The returned slice is a copy.
	awt.Tools[0].ToolID = 999
	again, _ := s.GetAssistantWithTools(ctx, 1)
	if again.Tools[0].ToolID == 999 {
		t.Error("mutating returned bindings leaked into the store")
	}

	if _, err := s.GetAssistantWithTools(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreAPIKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	s.PutAPIKey("ak-alice", APIKey{ID: 1, Name: "alice", Enabled: true}, 5)
	s.PutAPIKey("ak-admin", APIKey{ID: 2, Name: "admin", CanManage: true, Enabled: true})
	s.PutAPIKey("ak-dead", APIKey{ID: 3, Name: "dead", Enabled: false})

	k, err := s.AuthenticateAPIKey(ctx, "ak-alice")
	if err != nil {
		t.Fatalf("AuthenticateAPIKey: %v", err)
	}
	if k.ID != 1 || k.CanManage {
		t.Errorf("key = %+v, want id 1 without manage", k)
	}

	if _, err := s.AuthenticateAPIKey(ctx, "ak-wrong"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown secret: err = %v, want ErrNotFound", err)
	}
	if _, err := s.AuthenticateAPIKey(ctx, "ak-dead"); !errors.Is(err, ErrNotFound) {
		t.Errorf("disabled key: err = %v, want ErrNotFound", err)
	}

	// Explicit grant.
	if ok, _ := s.KeyHasAssistantAccess(ctx, 1, 5); !ok {
		t.Error("key 1 denied access to granted assistant 5")
	}
	if ok, _ := s.KeyHasAssistantAccess(ctx, 1, 6); ok {
		t.Error("key 1 granted access to assistant 6 without a grant")
	}

	// Manage keys access everything.
	if ok, _ := s.KeyHasAssistantAccess(ctx, 2, 6); !ok {
		t.Error("manage key denied assistant access")
	}
}
