// Package api implements the HTTP surface of toolmux: the OpenAI-compatible
// chat completion endpoint, administrative session and MCP server management,
// and the health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolmux/toolmux/internal/connector"
	"github.com/toolmux/toolmux/internal/health"
	"github.com/toolmux/toolmux/internal/observe"
	"github.com/toolmux/toolmux/internal/orchestrator"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/store"
	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// Connector is the slice of the connector manager the API needs for
// administrative server control.
type Connector interface {
	Start(ctx context.Context, toolID int64) (bool, error)
	Stop(ctx context.Context, toolID int64) (bool, error)
	Restart(ctx context.Context, toolID int64) error
	IsRunning(toolID int64) bool
	ListRunning() []connector.ProviderInfo
	ToolsFor(ctx context.Context, toolID int64) ([]llm.ToolDefinition, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	store     store.Store
	orch      *orchestrator.Orchestrator
	sessions  *session.Registry
	connector Connector
	health    *health.Handler
	log       *slog.Logger
	metrics   *observe.Metrics
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth sets the health handler serving /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// NewServer creates the API server over the given collaborators.
func NewServer(st store.Store, orch *orchestrator.Orchestrator, sessions *session.Registry, conn Connector, opts ...Option) *Server {
	s := &Server{
		store:     st,
		orch:      orch,
		sessions:  sessions,
		connector: conn,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler builds the full route table. All /v1 routes require a valid API
// key; management routes additionally require a key with the manage
// capability. Health and metrics endpoints are unauthenticated.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible surface.
	mux.Handle("POST /v1/chat/completions", s.authenticate(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/models", s.authenticate(http.HandlerFunc(s.handleListModels)))

	// Session administration.
	mux.Handle("GET /v1/sessions", s.manage(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("DELETE /v1/sessions/{id}", s.manage(http.HandlerFunc(s.handleCloseSession)))
	mux.Handle("DELETE /v1/sessions", s.manage(http.HandlerFunc(s.handleCloseAllSessions)))

	// MCP server administration.
	mux.Handle("GET /v1/mcp-servers", s.manage(http.HandlerFunc(s.handleListServers)))
	mux.Handle("POST /v1/mcp-servers/start", s.manage(http.HandlerFunc(s.handleStartServer)))
	mux.Handle("POST /v1/mcp-servers/stop/{id}", s.manage(http.HandlerFunc(s.handleStopServer)))
	mux.Handle("POST /v1/mcp-servers/restart", s.manage(http.HandlerFunc(s.handleRestartServer)))
	mux.Handle("GET /v1/mcp-servers/{id}/status", s.manage(http.HandlerFunc(s.handleServerStatus)))
	mux.Handle("GET /v1/mcp-servers/{id}/tools", s.manage(http.HandlerFunc(s.handleServerTools)))
	mux.Handle("PATCH /v1/mcp-tools/{id}", s.manage(http.HandlerFunc(s.handleUpdateTool)))

	// Operational endpoints.
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// ──────────────────────────────────────────────────────────────────────────────
// Response helpers
// ──────────────────────────────────────────────────────────────────────────────

// apiError is the OpenAI-style error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"message":"encoding failure","type":"internal_error"}}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Message: message, Type: errType}})
}

// writeDomainError maps an orchestration failure to a status code: unknown
// records surface as 404, everything else as a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return false
	}
	return true
}
