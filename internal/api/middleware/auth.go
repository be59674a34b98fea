package middleware

import (
	"net/http"

	"github.com/transcribeflow/dispatchd/internal/audit"
	"github.com/transcribeflow/dispatchd/internal/auth"
)

var auditLog = audit.NewLogger()

// RequireAPIKey enforces the shared-secret X-API-Key header on every request
// behind it (spec.md §6: mismatch → 401 {"detail":"Invalid API key"}).
func RequireAPIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := auth.Extract(r)
			if got == "" {
				auditLog.LogFromContext(r.Context(), audit.Event{
					Type:       audit.EventAuthMissing,
					RemoteAddr: r.RemoteAddr,
					Resource:   r.URL.Path,
					Result:     "denied",
				})
				writeAuthError(w)
				return
			}
			if !auth.Authorize(got, expected) {
				auditLog.LogFromContext(r.Context(), audit.Event{
					Type:       audit.EventAuthFailure,
					RemoteAddr: r.RemoteAddr,
					Resource:   r.URL.Path,
					Result:     "denied",
				})
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"Invalid API key"}`))
}
