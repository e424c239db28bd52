package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/toolmux/toolmux/internal/store"
)

type contextKey int

const apiKeyContextKey contextKey = iota

// keyFromContext returns the authenticated API key stored by the
// authentication middleware.
func keyFromContext(ctx context.Context) (store.APIKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey).(store.APIKey)
	return k, ok
}

// bearerSecret extracts the secret from an "Authorization: Bearer ..."
// header. Returns "" when the header is absent or malformed.
func bearerSecret(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// authenticate resolves the bearer token to an API key and stores it in the
// request context. Unknown, disabled, and expired keys are all rejected with
// the same 401 so callers cannot probe which keys exist.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearerSecret(r)
		if secret == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
			return
		}

		key, err := s.store.AuthenticateAPIKey(r.Context(), secret)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
			return
		}
		if err != nil {
			s.log.Error("api key authentication failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal_error", "authentication unavailable")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
	})
}

// manage wraps authenticate and additionally requires the manage capability.
func (s *Server) manage(next http.Handler) http.Handler {
	return s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := keyFromContext(r.Context())
		if !ok || !key.CanManage {
			writeError(w, http.StatusForbidden, "permission_error", "management permission required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}
