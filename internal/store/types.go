package store

import "time"

// ConnectionKind selects the transport used to reach an MCP tool provider.
type ConnectionKind string

const (
	// KindStdio spawns a subprocess and communicates over stdin/stdout.
	KindStdio ConnectionKind = "stdio"

	// KindHTTP communicates via the MCP Streamable HTTP protocol.
	KindHTTP ConnectionKind = "http"

	// KindSSE communicates via HTTP Server-Sent Events (the legacy MCP
	// streaming transport, still common among hosted providers).
	KindSSE ConnectionKind = "sse"
)

// IsValid reports whether k is a recognised connection kind.
func (k ConnectionKind) IsValid() bool {
	return k == KindStdio || k == KindHTTP || k == KindSSE
}

// ToolDescriptor is the configuration snapshot for one MCP tool provider.
// It is immutable once loaded for a given start; the connector manager
// re-fetches it from the store on every (re)start.
type ToolDescriptor struct {
	// ID is the tool's persistent identifier.
	ID int64

	// Name is the human-readable tool name, used in logs and errors.
	Name string

	// Description explains what the provider's tools do.
	Description string

	// Kind selects the transport.
	Kind ConnectionKind

	// Command is the executable path used when Kind is stdio.
	Command string

	// Args are the command arguments used when Kind is stdio.
	Args []string

	// Env holds additional environment variables injected into the server
	// process when Kind is stdio. May be nil.
	Env map[string]string

	// URL is the endpoint address used when Kind is http or sse.
	URL string

	// Headers are additional HTTP headers sent when Kind is http or sse.
	Headers map[string]string

	// Timeout bounds a single connect/list-tools round trip.
	Timeout time.Duration

	// RetryCount is the number of connect retries after the first attempt.
	RetryCount int

	// RetryDelay is the pause between connect retries.
	RetryDelay time.Duration

	// Enabled marks the tool as available for universal assistants and
	// auto-start. Disabled tools can still be started explicitly.
	Enabled bool

	// CreatedAt orders tools for the universal assistant's first-N selection.
	CreatedAt time.Time
}

// AssistantType distinguishes fixed-tool-set from dynamic assistants.
type AssistantType string

const (
	// AssistantDedicated binds a fixed, priority-ordered list of tool ids.
	AssistantDedicated AssistantType = "dedicated"

	// AssistantUniversal dynamically uses up to MaxTools of all enabled
	// tools, first-N by creation order.
	AssistantUniversal AssistantType = "universal"
)

// IsValid reports whether t is a recognised assistant type.
func (t AssistantType) IsValid() bool {
	return t == AssistantDedicated || t == AssistantUniversal
}

// Assistant is a named binding of a model to a tool selection policy.
type Assistant struct {
	// ID is the assistant's persistent identifier.
	ID int64

	// Name is the unique assistant name; chat requests address assistants
	// by this name in the "model" field.
	Name string

	// Description is free-form documentation.
	Description string

	// Type selects the tool binding policy.
	Type AssistantType

	// MaxTools caps the tool count for universal assistants.
	MaxTools int

	// SystemPrompt is injected into every conversation with this assistant.
	SystemPrompt string

	// Enabled gates whether the assistant accepts chat requests.
	Enabled bool

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time
}

// AssistantTool is one tool binding of a dedicated assistant.
type AssistantTool struct {
	// ToolID references a ToolDescriptor.
	ToolID int64

	// Priority orders the binding; lower ranks first.
	Priority int
}

// AssistantWithTools is an assistant plus its dedicated tool bindings.
// Tools is empty for universal assistants.
type AssistantWithTools struct {
	Assistant

	// Tools holds the dedicated bindings in storage order; callers sort by
	// Priority before use.
	Tools []AssistantTool
}

// APIKey identifies an authenticated API caller.
type APIKey struct {
	// ID is the key's persistent identifier.
	ID int64

	// Name labels the key for administrative listings.
	Name string

	// CanManage grants access to administrative endpoints (session listing,
	// connector start/stop, tool configuration).
	CanManage bool

	// Enabled gates whether the key authenticates at all.
	Enabled bool
}
