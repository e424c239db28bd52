// Package orchestrator glues a chat turn together: it resolves the requested
// assistant, computes its tool selection, fetches or builds the composite
// agent from the cache, attaches a conversation session, and runs the agent
// over the session history.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/toolmux/toolmux/internal/agent"
	"github.com/toolmux/toolmux/internal/agentcache"
	"github.com/toolmux/toolmux/internal/observe"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	// AssistantName addresses the assistant, as the OpenAI-compatible
	// "model" field does.
	AssistantName string

	// SessionID continues an existing conversation when set. A stale or
	// mismatched id is replaced with a fresh session rather than rejected.
	SessionID string

	// UserID is the authenticated key owning the session.
	UserID int64

	// Messages holds the caller's new input messages for this turn.
	Messages []llm.Message
}

// ChatResult is the outcome of a non-streaming chat turn.
type ChatResult struct {
	// SessionID identifies the (possibly newly created) session.
	SessionID string

	// AssistantName echoes the resolved assistant.
	AssistantName string

	// Content is the assistant's reply.
	Content string

	// Usage is the token count accumulated across all tool rounds.
	Usage llm.Usage

	// ToolCalls counts tool invocations made during the turn.
	ToolCalls int
}

// Orchestrator coordinates the connector manager, agent cache, and session
// registry for chat traffic. It holds no conversation state of its own.
type Orchestrator struct {
	store    store.Store
	cache    *agentcache.Cache
	sessions *session.Registry
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for turn-level events.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator over the given collaborators.
func New(st store.Store, cache *agentcache.Cache, sessions *session.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		cache:    cache,
		sessions: sessions,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Chat runs one synchronous chat turn and returns the assistant's reply
// together with the session id the caller should reuse.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := time.Now()

	a, sessionID, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	history := o.history(sessionID)
	res, err := a.Invoke(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: assistant %q turn failed: %w", req.AssistantName, err)
	}

	o.sessions.AppendMessage(sessionID, "assistant", res.Content)
	o.recordTurn(ctx, a.Name(), start)

	return &ChatResult{
		SessionID:     sessionID,
		AssistantName: a.Name(),
		Content:       res.Content,
		Usage:         res.Usage,
		ToolCalls:     res.ToolCalls,
	}, nil
}

// prepare performs the shared front half of a chat turn: assistant
// resolution, tool selection, agent fetch/build, session attach, and user
// message append. It returns the agent and the session id to use.
func (o *Orchestrator) prepare(ctx context.Context, req ChatRequest) (*agent.Agent, string, error) {
	asst, err := o.store.GetAssistantByName(ctx, req.AssistantName)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: assistant %q: %w", req.AssistantName, err)
	}

	toolIDs, err := o.resolveToolIDs(ctx, asst)
	if err != nil {
		return nil, "", err
	}

	a, err := o.cache.GetOrBuild(ctx, asst, toolIDs)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: assistant %q: %w", req.AssistantName, err)
	}

	sessionID := o.attachSession(req, asst, a)
	for _, m := range req.Messages {
		if m.Role == "user" {
			o.sessions.AppendMessage(sessionID, m.Role, m.Content)
		}
	}
	return a, sessionID, nil
}

// resolveToolIDs computes the tool selection for an assistant. Dedicated
// assistants use their bound tools ordered by ascending priority; universal
// assistants take the first MaxTools enabled tools by creation order.
func (o *Orchestrator) resolveToolIDs(ctx context.Context, asst store.Assistant) ([]int64, error) {
	switch asst.Type {
	case store.AssistantDedicated:
		awt, err := o.store.GetAssistantWithTools(ctx, asst.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: tool bindings for assistant %d: %w", asst.ID, err)
		}
		bindings := slices.Clone(awt.Tools)
		slices.SortStableFunc(bindings, func(a, b store.AssistantTool) int {
			return a.Priority - b.Priority
		})
		ids := make([]int64, len(bindings))
		for i, b := range bindings {
			ids[i] = b.ToolID
		}
		return ids, nil

	case store.AssistantUniversal:
		descs, err := o.store.ListEnabledToolDescriptors(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: enabled tools for assistant %d: %w", asst.ID, err)
		}
		limit := asst.MaxTools
		if limit <= 0 || limit > len(descs) {
			limit = len(descs)
		}
		ids := make([]int64, limit)
		for i := range limit {
			ids[i] = descs[i].ID
		}
		return ids, nil

	default:
		return nil, fmt.Errorf("orchestrator: assistant %d has unknown type %q", asst.ID, asst.Type)
	}
}

// attachSession reuses the supplied session when it exists and is bound to
// the requested assistant. A session bound to a different assistant is
// closed and replaced; an unknown or absent id gets a fresh session.
func (o *Orchestrator) attachSession(req ChatRequest, asst store.Assistant, a *agent.Agent) string {
	if req.SessionID != "" {
		if s, ok := o.sessions.Get(req.SessionID); ok {
			if s.AssistantID == asst.ID {
				o.sessions.BindAgent(s.ID, a)
				return s.ID
			}
			o.log.Info("session assistant mismatch, replacing",
				slog.String("session_id", s.ID),
				slog.Int64("bound_assistant", s.AssistantID),
				slog.Int64("requested_assistant", asst.ID))
			o.sessions.Close(s.ID)
		}
	}
	id := o.sessions.Create(asst.ID, req.UserID)
	o.sessions.BindAgent(id, a)
	return id
}

// history projects the session's message log into provider messages.
func (o *Orchestrator) history(sessionID string) []llm.Message {
	s, ok := o.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	msgs := make([]llm.Message, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

func (o *Orchestrator) recordTurn(ctx context.Context, assistantName string, start time.Time) {
	o.metrics.ChatTurnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("assistant", assistantName)))
}
