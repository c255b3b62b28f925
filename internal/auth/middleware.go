package auth

import (
	"net/http"
	"strings"
)

// Middleware is a chi-compatible HTTP middleware that enforces authentication.
//
// Public paths that bypass auth:
//   - /healthz  (liveness)
//   - /ca.pem   (CA certificate for client trust distribution)
//
// Everything else requires `Authorization: Bearer <token>` and receives a
// 401 JSON response otherwise.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || m.isAuthenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="ikev2-provision"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
}

func (m *Manager) isAuthenticated(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return m.ValidateToken(r.Context(), strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/ca.pem"
}
