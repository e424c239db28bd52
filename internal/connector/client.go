package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// defaultConnectTimeout bounds a single connect/list-tools round trip when
// the descriptor does not set one.
const defaultConnectTimeout = 30 * time.Second

// TransportFactory builds an MCP transport for a tool descriptor. Each call
// must return a fresh transport: a transport is consumed by one connection
// attempt and cannot be reused. Tests swap in a factory that returns
// in-memory transports.
type TransportFactory func(desc store.ToolDescriptor) (mcpsdk.Transport, error)

// DefaultTransportFactory builds real transports: a subprocess command
// transport for stdio tools and streamable-HTTP or SSE client transports for
// remote tools. Descriptor problems (missing command or URL, unknown kind)
// are reported as [ConfigurationError].
func DefaultTransportFactory(desc store.ToolDescriptor) (mcpsdk.Transport, error) {
	switch desc.Kind {
	case store.KindStdio:
		if strings.TrimSpace(desc.Command) == "" {
			return nil, &ConfigurationError{ToolID: desc.ID, Reason: "stdio tool requires a non-empty command"}
		}
		cmd := exec.Command(desc.Command, desc.Args...)
		for k, v := range desc.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case store.KindHTTP:
		if desc.URL == "" {
			return nil, &ConfigurationError{ToolID: desc.ID, Reason: "http tool requires a non-empty url"}
		}
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   desc.URL,
			HTTPClient: httpClientFor(desc),
		}, nil

	case store.KindSSE:
		if desc.URL == "" {
			return nil, &ConfigurationError{ToolID: desc.ID, Reason: "sse tool requires a non-empty url"}
		}
		return &mcpsdk.SSEClientTransport{
			Endpoint:   desc.URL,
			HTTPClient: httpClientFor(desc),
		}, nil

	default:
		return nil, &ConfigurationError{ToolID: desc.ID, Reason: fmt.Sprintf("unknown connection kind %q", desc.Kind)}
	}
}

// httpClientFor returns an HTTP client that injects the descriptor's extra
// headers into every request. Returns nil (SDK default client) when no
// headers are configured.
func httpClientFor(desc store.ToolDescriptor) *http.Client {
	if len(desc.Headers) == 0 {
		return nil
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			headers: desc.Headers,
			next:    http.DefaultTransport,
		},
	}
}

// headerRoundTripper adds fixed headers to outgoing requests.
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}

// ProviderClient is one live (or pending) connection to an MCP tool provider.
//
// Its lifecycle is two-phase: [NewProviderClient] only records the descriptor
// (cheap, never fails); [ProviderClient.Activate] establishes the connection
// and imports the tool catalogue. A client whose activation failed holds no
// resources and can simply be discarded.
type ProviderClient struct {
	desc    store.ToolDescriptor
	client  *mcpsdk.Client
	factory TransportFactory

	mu        sync.RWMutex
	session   *mcpsdk.ClientSession
	tools     []llm.ToolDefinition
	active    bool
	startedAt time.Time
}

// NewProviderClient creates an inactive client for the given descriptor.
func NewProviderClient(desc store.ToolDescriptor, client *mcpsdk.Client, factory TransportFactory) *ProviderClient {
	if factory == nil {
		factory = DefaultTransportFactory
	}
	return &ProviderClient{desc: desc, client: client, factory: factory}
}

// Activate connects to the provider and imports its tool catalogue, retrying
// per the descriptor's RetryCount/RetryDelay. Each attempt is bounded by the
// descriptor's Timeout (default 30s). Descriptor problems surface as
// [ConfigurationError] without any connection attempt; connection failures
// surface as [ActivationError] after retries are exhausted.
//
// Activate is idempotent: activating an already-active client is a no-op.
func (c *ProviderClient) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return nil
	}

	timeout := c.desc.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	delay := c.desc.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	type connected struct {
		session *mcpsdk.ClientSession
		tools   []llm.ToolDefinition
	}

	attempt := func() (connected, error) {
		transport, err := c.factory(c.desc)
		if err != nil {
			// A descriptor that cannot produce a transport will not
			// improve with retries.
			return connected{}, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		session, err := c.client.Connect(attemptCtx, transport, nil)
		if err != nil {
			return connected{}, fmt.Errorf("connect: %w", err)
		}

		var tools []llm.ToolDefinition
		for tool, err := range session.Tools(attemptCtx, nil) {
			if err != nil {
				_ = session.Close()
				return connected{}, fmt.Errorf("list tools: %w", err)
			}
			tools = append(tools, toolDefinition(tool))
		}

		return connected{session: session, tools: tools}, nil
	}

	conn, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(c.desc.RetryCount+1)),
	)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return cfgErr
		}
		return &ActivationError{ToolID: c.desc.ID, Name: c.desc.Name, Err: err}
	}

	c.session = conn.session
	c.tools = conn.tools
	c.active = true
	c.startedAt = time.Now()
	return nil
}

// Deactivate closes the connection and marks the client inactive. Safe to
// call on an inactive client.
func (c *ProviderClient) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return nil
	}
	c.active = false
	session := c.session
	c.session = nil
	c.tools = nil

	if err := session.Close(); err != nil {
		return fmt.Errorf("connector: close tool %d (%s): %w", c.desc.ID, c.desc.Name, err)
	}
	return nil
}

// Active reports whether the client holds a live connection.
func (c *ProviderClient) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Descriptor returns the configuration snapshot this client was built from.
func (c *ProviderClient) Descriptor() store.ToolDescriptor { return c.desc }

// StartedAt returns the time of the last successful activation. Zero when
// the client has never been active.
func (c *ProviderClient) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// Tools returns a copy of the imported tool catalogue. Empty when inactive.
func (c *ProviderClient) Tools() []llm.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call invokes the named tool with JSON-encoded args and returns the
// concatenated text content of the result. isError reflects the provider's
// application-level error flag; a Go error is returned only on transport or
// protocol failure.
func (c *ProviderClient) Call(ctx context.Context, name, args string) (content string, isError bool, err error) {
	c.mu.RLock()
	session := c.session
	active := c.active
	c.mu.RUnlock()

	if !active {
		return "", false, fmt.Errorf("connector: tool %d (%s) is not active", c.desc.ID, c.desc.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", false, fmt.Errorf("connector: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", false, fmt.Errorf("connector: call to tool %q failed: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// toolDefinition converts an SDK tool into the LLM-facing definition.
func toolDefinition(t *mcpsdk.Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
