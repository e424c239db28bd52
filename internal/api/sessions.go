package api

import (
	"net/http"
	"strconv"

	"github.com/toolmux/toolmux/internal/session"
)

type sessionListResponse struct {
	Count    int               `json:"count"`
	Sessions []session.Summary `json:"sessions"`
}

// handleListSessions serves GET /v1/sessions. Optional user_id and
// assistant_id query parameters narrow the listing.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var filter session.Filter
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be an integer")
			return
		}
		filter.UserID = id
	}
	if v := r.URL.Query().Get("assistant_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "assistant_id must be an integer")
			return
		}
		filter.AssistantID = id
	}

	summaries := s.sessions.List(filter)
	writeJSON(w, http.StatusOK, sessionListResponse{Count: len(summaries), Sessions: summaries})
}

// handleCloseSession serves DELETE /v1/sessions/{id}.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Close(id) {
		writeError(w, http.StatusNotFound, "not_found_error", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": id})
}

// handleCloseAllSessions serves DELETE /v1/sessions.
func (s *Server) handleCloseAllSessions(w http.ResponseWriter, _ *http.Request) {
	count := s.sessions.CloseAll()
	writeJSON(w, http.StatusOK, map[string]any{"closed_count": count})
}
