package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for tests and standalone runs without a database.
type MemStore struct {
	mu         sync.RWMutex
	tools      map[int64]ToolDescriptor
	assistants map[int64]AssistantWithTools
	keys       map[string]APIKey // presented secret -> key
	keyAccess  map[int64][]int64 // key id -> assistant ids
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		tools:      make(map[int64]ToolDescriptor),
		assistants: make(map[int64]AssistantWithTools),
		keys:       make(map[string]APIKey),
		keyAccess:  make(map[int64][]int64),
	}
}

// PutTool inserts or replaces a tool descriptor.
func (s *MemStore) PutTool(d ToolDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[d.ID] = d
}

// PutAssistant inserts or replaces an assistant with its tool bindings.
func (s *MemStore) PutAssistant(a AssistantWithTools) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistants[a.ID] = a
}

// PutAPIKey registers a key under the given secret, granting access to the
// listed assistant ids.
func (s *MemStore) PutAPIKey(secret string, key APIKey, assistantIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[secret] = key
	s.keyAccess[key.ID] = append([]int64(nil), assistantIDs...)
}

// GetToolDescriptor implements [DescriptorStore].
func (s *MemStore) GetToolDescriptor(_ context.Context, id int64) (ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.tools[id]
	if !ok {
		return ToolDescriptor{}, ErrNotFound
	}
	return d, nil
}

// ListEnabledToolDescriptors implements [DescriptorStore].
func (s *MemStore) ListEnabledToolDescriptors(_ context.Context) ([]ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(s.tools))
	for _, d := range s.tools {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetAssistant implements [AssistantStore].
func (s *MemStore) GetAssistant(_ context.Context, id int64) (Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assistants[id]
	if !ok {
		return Assistant{}, ErrNotFound
	}
	return a.Assistant, nil
}

// GetAssistantByName implements [AssistantStore]. Exact match wins over
// case-insensitive match.
func (s *MemStore) GetAssistantByName(_ context.Context, name string) (Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var folded *Assistant
	for _, a := range s.assistants {
		if !a.Enabled {
			continue
		}
		if a.Name == name {
			return a.Assistant, nil
		}
		if folded == nil && strings.EqualFold(a.Name, name) {
			asst := a.Assistant
			folded = &asst
		}
	}
	if folded != nil {
		return *folded, nil
	}
	return Assistant{}, ErrNotFound
}

// ListEnabledAssistants implements [AssistantStore].
func (s *MemStore) ListEnabledAssistants(_ context.Context) ([]Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		if a.Enabled {
			out = append(out, a.Assistant)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetAssistantWithTools implements [AssistantStore].
func (s *MemStore) GetAssistantWithTools(_ context.Context, id int64) (AssistantWithTools, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assistants[id]
	if !ok {
		return AssistantWithTools{}, ErrNotFound
	}
	out := a
	out.Tools = append([]AssistantTool(nil), a.Tools...)
	return out, nil
}

// AuthenticateAPIKey implements [APIKeyStore].
func (s *MemStore) AuthenticateAPIKey(_ context.Context, secret string) (APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[secret]
	if !ok || !k.Enabled {
		return APIKey{}, ErrNotFound
	}
	return k, nil
}

// KeyHasAssistantAccess implements [APIKeyStore].
func (s *MemStore) KeyHasAssistantAccess(_ context.Context, keyID, assistantID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if k.ID == keyID && k.CanManage {
			return true, nil
		}
	}
	for _, id := range s.keyAccess[keyID] {
		if id == assistantID {
			return true, nil
		}
	}
	return false, nil
}

// UpdateToolEnabled implements [Store].
func (s *MemStore) UpdateToolEnabled(_ context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.tools[id]
	if !ok {
		return ErrNotFound
	}
	d.Enabled = enabled
	s.tools[id] = d
	return nil
}
