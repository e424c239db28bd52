// Package agent assembles an LLM provider, a tool set, and a tool invoker
// into a ready-to-chat agent.
//
// An Agent is stateless with respect to conversation history: callers pass
// the full message list on every turn and receive either a complete response
// ([Agent.Invoke]) or a stream of text deltas ([Agent.StreamInvoke]). Tool
// calls requested by the model are executed through the [Invoker] and fed
// back automatically until the model produces a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// maxToolRounds bounds the invoke-tools-and-ask-again loop so a model that
// keeps requesting tools cannot spin forever.
const maxToolRounds = 8

// Invoker executes a named tool with JSON-encoded args and returns its text
// output. The connector manager implements this.
type Invoker interface {
	InvokeTool(ctx context.Context, name, args string) (string, error)
}

// Config holds everything needed to create an [Agent].
//
// Required fields are Name, Provider, and Invoker (unless Tools is empty, in
// which case Invoker may be nil).
type Config struct {
	// AssistantID is the persistent id of the assistant this agent serves.
	AssistantID int64

	// Name is the assistant's name, used in logs.
	Name string

	// SystemPrompt is injected into every completion request.
	SystemPrompt string

	// Fingerprint identifies the exact tool selection this agent was built
	// for. The cache uses it as the agent's identity.
	Fingerprint string

	// Provider is the LLM backend. Must not be nil.
	Provider llm.Provider

	// Invoker executes tool calls. Must not be nil when Tools is non-empty.
	Invoker Invoker

	// Tools is the tool set offered to the model on every request.
	Tools []llm.ToolDefinition

	// Temperature is passed through to the provider.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Result is the outcome of a non-streaming [Agent.Invoke].
type Result struct {
	// Content is the final assistant text.
	Content string

	// Usage accumulates token counts across all tool rounds.
	Usage llm.Usage

	// ToolCalls is the number of tool invocations executed during the turn.
	ToolCalls int
}

// Delta is one streamed fragment from [Agent.StreamInvoke]. The stream
// channel is closed after the final delta; a delta with a non-nil Err is
// always the last one.
type Delta struct {
	// Text is incremental assistant output.
	Text string

	// Err reports a mid-stream failure. The channel closes after it.
	Err error
}

// Agent binds a model, a tool set, and an invoker. Safe for concurrent use;
// each Invoke/StreamInvoke call is independent.
type Agent struct {
	assistantID  int64
	name         string
	systemPrompt string
	fingerprint  string
	provider     llm.Provider
	invoker      Invoker
	tools        []llm.ToolDefinition
	temperature  float64
	maxTokens    int
	log          *slog.Logger

	mu       sync.RWMutex
	lastUsed time.Time
}

// New validates cfg and returns a ready Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, errors.New("agent: Name must not be empty")
	}
	if cfg.Provider == nil {
		return nil, errors.New("agent: Provider must not be nil")
	}
	if len(cfg.Tools) > 0 && cfg.Invoker == nil {
		return nil, errors.New("agent: Invoker must not be nil when tools are configured")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		assistantID:  cfg.AssistantID,
		name:         cfg.Name,
		systemPrompt: cfg.SystemPrompt,
		fingerprint:  cfg.Fingerprint,
		provider:     cfg.Provider,
		invoker:      cfg.Invoker,
		tools:        cfg.Tools,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		log:          log,
		lastUsed:     time.Now(),
	}, nil
}

// Fingerprint returns the tool-selection fingerprint this agent was built
// for.
func (a *Agent) Fingerprint() string { return a.fingerprint }

// AssistantID returns the persistent assistant id.
func (a *Agent) AssistantID() int64 { return a.assistantID }

// Name returns the assistant name.
func (a *Agent) Name() string { return a.name }

// Tools returns the tool set offered to the model.
func (a *Agent) Tools() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, len(a.tools))
	copy(out, a.tools)
	return out
}

// LastUsed returns the time of the most recent Invoke or StreamInvoke.
func (a *Agent) LastUsed() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastUsed
}

// Touch updates the last-used timestamp. Called by the cache on lookups.
func (a *Agent) Touch() {
	a.mu.Lock()
	a.lastUsed = time.Now()
	a.mu.Unlock()
}

// Invoke runs one complete chat turn: it sends messages to the model,
// executes any requested tool calls, feeds the results back, and repeats
// until the model answers with text (or the tool-round limit is hit).
func (a *Agent) Invoke(ctx context.Context, messages []llm.Message) (*Result, error) {
	a.Touch()

	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)

	result := &Result{}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.provider.Complete(ctx, a.request(msgs))
		if err != nil {
			return nil, fmt.Errorf("agent: completion for %q: %w", a.name, err)
		}
		accumulateUsage(&result.Usage, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			return result, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		msgs = a.executeToolCalls(ctx, msgs, resp.ToolCalls)
		result.ToolCalls += len(resp.ToolCalls)
	}

	return nil, fmt.Errorf("agent: %q exceeded %d tool rounds", a.name, maxToolRounds)
}

// StreamInvoke runs one chat turn like [Agent.Invoke] but streams the final
// assistant text incrementally. Tool rounds happen transparently; text the
// model emits alongside tool calls is forwarded as it arrives.
//
// The returned channel is closed when the turn completes, errors, or ctx is
// cancelled. A Delta with non-nil Err is terminal.
func (a *Agent) StreamInvoke(ctx context.Context, messages []llm.Message) (<-chan Delta, error) {
	a.Touch()

	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)

	out := make(chan Delta)
	go func() {
		defer close(out)

		for round := 0; round < maxToolRounds; round++ {
			ch, err := a.provider.StreamCompletion(ctx, a.request(msgs))
			if err != nil {
				emit(ctx, out, Delta{Err: fmt.Errorf("agent: stream for %q: %w", a.name, err)})
				return
			}

			text, toolCalls, err := a.forwardStream(ctx, ch, out)
			if err != nil {
				emit(ctx, out, Delta{Err: err})
				return
			}

			if len(toolCalls) == 0 {
				return
			}

			msgs = append(msgs, llm.Message{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			})
			msgs = a.executeToolCalls(ctx, msgs, toolCalls)
		}

		emit(ctx, out, Delta{Err: fmt.Errorf("agent: %q exceeded %d tool rounds", a.name, maxToolRounds)})
	}()
	return out, nil
}

// forwardStream drains one completion stream, forwarding text deltas to out
// and collecting any tool calls. Returns the accumulated text, the tool
// calls, and a terminal error (mid-stream failure or context cancellation).
func (a *Agent) forwardStream(ctx context.Context, ch <-chan llm.Chunk, out chan<- Delta) (string, []llm.ToolCall, error) {
	var text strings.Builder
	var toolCalls []llm.ToolCall

	for {
		select {
		case <-ctx.Done():
			go drain(ch)
			return text.String(), nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), toolCalls, nil
			}
			if chunk.FinishReason == "error" {
				return text.String(), nil, fmt.Errorf("agent: stream for %q: %s", a.name, chunk.Text)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if !emit(ctx, out, Delta{Text: chunk.Text}) {
					go drain(ch)
					return text.String(), nil, ctx.Err()
				}
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				go drain(ch)
				return text.String(), toolCalls, nil
			}
		}
	}
}

// executeToolCalls runs each requested tool and appends the results as
// tool-role messages. Invocation failures become error text the model can
// react to rather than aborting the turn.
func (a *Agent) executeToolCalls(ctx context.Context, msgs []llm.Message, calls []llm.ToolCall) []llm.Message {
	for _, call := range calls {
		output, err := a.invoker.InvokeTool(ctx, call.Name, call.Arguments)
		if err != nil {
			a.log.WarnContext(ctx, "tool invocation failed",
				slog.String("assistant", a.name),
				slog.String("tool", call.Name),
				slog.Any("error", err),
			)
			output = "tool error: " + err.Error()
		}
		msgs = append(msgs, llm.Message{
			Role:       "tool",
			Content:    output,
			Name:       call.Name,
			ToolCallID: call.ID,
		})
	}
	return msgs
}

// request assembles the completion request for the current message state.
func (a *Agent) request(msgs []llm.Message) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:     msgs,
		Tools:        a.tools,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		SystemPrompt: a.systemPrompt,
	}
}

// emit sends d on out unless ctx is done. Reports whether the send happened.
func emit(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain discards remaining chunks so the provider goroutine can exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func accumulateUsage(dst *llm.Usage, src llm.Usage) {
	dst.PromptTokens += src.PromptTokens
	dst.CompletionTokens += src.CompletionTokens
	dst.TotalTokens += src.TotalTokens
}
