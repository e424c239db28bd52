package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/toolmux/toolmux/internal/connector"
	"github.com/toolmux/toolmux/internal/store"
)

type serverActionRequest struct {
	ToolID int64 `json:"tool_id"`
}

type serverInfo struct {
	ToolID    int64     `json:"tool_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	ToolCount int       `json:"tool_count"`
	StartedAt time.Time `json:"started_at"`
}

type serverListResponse struct {
	Count   int          `json:"count"`
	Servers []serverInfo `json:"servers"`
}

func toServerInfo(p connector.ProviderInfo) serverInfo {
	return serverInfo{
		ToolID:    p.ToolID,
		Name:      p.Name,
		Kind:      string(p.Kind),
		ToolCount: p.ToolCount,
		StartedAt: p.StartedAt,
	}
}

// resolveStartableTool loads the descriptor and rejects requests for unknown
// or disabled tools.
func (s *Server) resolveStartableTool(w http.ResponseWriter, r *http.Request, toolID int64) (store.ToolDescriptor, bool) {
	desc, err := s.store.GetToolDescriptor(r.Context(), toolID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("tool %d not found", toolID))
		return store.ToolDescriptor{}, false
	}
	if err != nil {
		writeDomainError(w, err)
		return store.ToolDescriptor{}, false
	}
	if !desc.Enabled {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("tool %d is disabled", toolID))
		return store.ToolDescriptor{}, false
	}
	return desc, true
}

// handleListServers serves GET /v1/mcp-servers.
func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	running := s.connector.ListRunning()
	resp := serverListResponse{Count: len(running), Servers: make([]serverInfo, len(running))}
	for i, p := range running {
		resp.Servers[i] = toServerInfo(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartServer serves POST /v1/mcp-servers/start.
func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	var req serverActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := s.resolveStartableTool(w, r, req.ToolID); !ok {
		return
	}

	started, err := s.connector.Start(r.Context(), req.ToolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_id":         req.ToolID,
		"started":         started,
		"already_running": !started,
	})
}

// handleStopServer serves POST /v1/mcp-servers/stop/{id}.
func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	toolID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "tool id must be an integer")
		return
	}

	stopped, err := s.connector.Stop(r.Context(), toolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !stopped {
		writeError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("no running server for tool %d", toolID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_id": toolID, "stopped": true})
}

// handleRestartServer serves POST /v1/mcp-servers/restart.
func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	var req serverActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := s.resolveStartableTool(w, r, req.ToolID); !ok {
		return
	}

	if err := s.connector.Restart(r.Context(), req.ToolID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_id": req.ToolID, "restarted": true})
}

// handleServerStatus serves GET /v1/mcp-servers/{id}/status.
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	toolID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "tool id must be an integer")
		return
	}

	if !s.connector.IsRunning(toolID) {
		writeJSON(w, http.StatusOK, map[string]any{"tool_id": toolID, "running": false})
		return
	}
	for _, p := range s.connector.ListRunning() {
		if p.ToolID == toolID {
			writeJSON(w, http.StatusOK, map[string]any{
				"tool_id": toolID,
				"running": true,
				"server":  toServerInfo(p),
			})
			return
		}
	}
	// Stopped between the two calls.
	writeJSON(w, http.StatusOK, map[string]any{"tool_id": toolID, "running": false})
}

type serverToolEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleServerTools serves GET /v1/mcp-servers/{id}/tools, listing the tool
// catalogue of a running provider.
func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	toolID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "tool id must be an integer")
		return
	}
	defs, err := s.connector.ToolsFor(r.Context(), toolID)
	if errors.Is(err, connector.ErrNotRunning) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("no running server for tool %d", toolID))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	entries := make([]serverToolEntry, len(defs))
	for i, d := range defs {
		entries[i] = serverToolEntry{Name: d.Name, Description: d.Description}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_id":    toolID,
		"tool_count": len(entries),
		"tools":      entries,
	})
}

type updateToolRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleUpdateTool serves PATCH /v1/mcp-tools/{id}. Disabling a tool also
// stops its running provider, which in turn evicts derived agents via the
// connector's stop hooks.
func (s *Server) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	toolID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "tool id must be an integer")
		return
	}

	var req updateToolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
		return
	}

	if err := s.store.UpdateToolEnabled(r.Context(), toolID, *req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}

	stopped := false
	if !*req.Enabled {
		stopped, err = s.connector.Stop(r.Context(), toolID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_id": toolID,
		"enabled": *req.Enabled,
		"stopped": stopped,
	})
}
