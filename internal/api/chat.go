package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toolmux/toolmux/internal/orchestrator"
	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// sessionHeader carries the conversation id in both directions. Clients echo
// it back to continue a conversation; the server always returns the id that
// was actually used.
const sessionHeader = "Session-ID"

// ──────────────────────────────────────────────────────────────────────────────
// OpenAI-compatible wire types
// ──────────────────────────────────────────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	// Model addresses an assistant by name.
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	// Accepted for wire compatibility; generation parameters are configured
	// per assistant on the server side.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────────────────────────────────

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	key, _ := keyFromContext(r.Context())

	// Assistant access is checked against the resolved assistant before any
	// providers are started on its behalf.
	asst, err := s.store.GetAssistantByName(r.Context(), req.Model)
	if err != nil {
		writeDomainError(w, fmt.Errorf("assistant %q: %w", req.Model, err))
		return
	}
	allowed, err := s.store.KeyHasAssistantAccess(r.Context(), key.ID, asst.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "permission_error",
			fmt.Sprintf("api key does not have access to assistant %q", req.Model))
		return
	}

	messages := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	chatReq := orchestrator.ChatRequest{
		AssistantName: req.Model,
		SessionID:     r.Header.Get(sessionHeader),
		UserID:        key.ID,
		Messages:      messages,
	}

	if req.Stream {
		s.streamCompletion(w, r, req.Model, chatReq)
		return
	}

	res, err := s.orch.Chat(r.Context(), chatReq)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set(sessionHeader, res.SessionID)
	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: "assistant", Content: res.Content},
			FinishReason: "stop",
		}},
		Usage: chatCompletionUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	})
}

// streamCompletion writes the reply as OpenAI-style SSE chunks. Errors after
// the stream has started are emitted as a terminal error event rather than
// an abrupt close.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, model string, chatReq orchestrator.ChatRequest) {
	res, err := s.orch.StreamChat(r.Context(), chatReq)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(sessionHeader, res.SessionID)
	w.WriteHeader(http.StatusOK)

	chunkID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	emit := func(choice chunkChoice) {
		writeSSE(w, chatCompletionChunk{
			ID:      chunkID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chunkChoice{choice},
		})
		flusher.Flush()
	}

	// First chunk carries the role only.
	emit(chunkChoice{Delta: chunkDelta{Role: "assistant"}})

	for ev := range res.Events {
		if ev.Err != nil {
			s.log.Error("chat stream failed",
				slog.String("assistant", model),
				slog.Any("error", ev.Err))
			writeSSE(w, apiError{Error: apiErrorBody{Message: ev.Err.Error(), Type: "internal_error"}})
			flusher.Flush()
			return
		}
		if ev.Delta != "" {
			emit(chunkChoice{Delta: chunkDelta{Content: ev.Delta}})
		}
	}

	stop := "stop"
	emit(chunkChoice{FinishReason: &stop})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// handleListModels serves GET /v1/models, exposing enabled assistants as
// selectable models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	assistants, err := s.store.ListEnabledAssistants(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	list := modelList{Object: "list", Data: make([]modelEntry, len(assistants))}
	for i, a := range assistants {
		list.Data[i] = modelEntry{
			ID:      a.Name,
			Object:  "model",
			Created: a.CreatedAt.Unix(),
			OwnedBy: "toolmux",
		}
	}
	writeJSON(w, http.StatusOK, list)
}
