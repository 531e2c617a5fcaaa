package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lunahq/pulse/internal/audit"
)

// AuthMiddleware validates the daemon's single bearer token.
type AuthMiddleware struct {
	token   string
	enabled bool
}

// NewAuthMiddleware creates an auth middleware for the given token. An empty
// token disables the check; pulsed always generates one on first run.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token, enabled: token != ""}
}

// Wrap wraps an http.Handler with token authentication. Denials are recorded
// in the audit log with the request path as subject.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health probes stay unauthenticated.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			audit.RecordCtx(r.Context(), "deny", "api_auth", "missing_token", r.URL.Path)
			http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			audit.RecordCtx(r.Context(), "deny", "api_auth", "invalid_token", r.URL.Path)
			http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key
// query param. The query param exists for EventSource clients, which cannot
// set headers.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
