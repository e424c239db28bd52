// Package store defines the persistence boundary for toolmux configuration:
// MCP tool descriptors, assistants with their tool bindings, and API keys.
//
// Two implementations exist: [MemStore], an in-memory store for tests and
// standalone runs, and the PostgreSQL-backed store in the postgres
// subpackage. All runtime state (running providers, cached agents, live
// sessions) is deliberately NOT persisted here — a process restart rebuilds
// it from these descriptors on demand.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DescriptorStore provides read access to MCP tool descriptors.
type DescriptorStore interface {
	// GetToolDescriptor returns the descriptor for the given tool id.
	// Returns [ErrNotFound] if no such tool exists.
	GetToolDescriptor(ctx context.Context, id int64) (ToolDescriptor, error)

	// ListEnabledToolDescriptors returns all enabled tool descriptors
	// ordered by creation time ascending (oldest first).
	ListEnabledToolDescriptors(ctx context.Context) ([]ToolDescriptor, error)
}

// AssistantStore provides read access to assistants and their tool bindings.
type AssistantStore interface {
	// GetAssistant returns the assistant with the given id.
	// Returns [ErrNotFound] if no such assistant exists.
	GetAssistant(ctx context.Context, id int64) (Assistant, error)

	// GetAssistantByName resolves an enabled assistant by name — exact match
	// first, then case-insensitive. Returns [ErrNotFound] when neither matches.
	GetAssistantByName(ctx context.Context, name string) (Assistant, error)

	// ListEnabledAssistants returns all enabled assistants ordered by
	// creation time ascending.
	ListEnabledAssistants(ctx context.Context) ([]Assistant, error)

	// GetAssistantWithTools returns the assistant plus its dedicated tool
	// bindings. Tools is empty for universal assistants.
	GetAssistantWithTools(ctx context.Context, id int64) (AssistantWithTools, error)
}

// APIKeyStore authenticates API callers and checks assistant access.
type APIKeyStore interface {
	// AuthenticateAPIKey resolves a presented secret to an enabled key.
	// Returns [ErrNotFound] for unknown or disabled keys.
	AuthenticateAPIKey(ctx context.Context, secret string) (APIKey, error)

	// KeyHasAssistantAccess reports whether the key may use the assistant.
	// Keys with CanManage implicitly have access to every assistant.
	KeyHasAssistantAccess(ctx context.Context, keyID, assistantID int64) (bool, error)
}

// Store is the full persistence surface consumed by the application.
type Store interface {
	DescriptorStore
	AssistantStore
	APIKeyStore

	// UpdateToolEnabled flips a tool's enabled flag. Callers are responsible
	// for the accompanying runtime invalidation (stopping the provider and
	// evicting derived agents).
	UpdateToolEnabled(ctx context.Context, id int64, enabled bool) error
}
