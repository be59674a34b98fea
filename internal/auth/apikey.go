// Package auth enforces the shared-secret API key required on every request.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderName is the header carrying the shared secret (spec.md §6).
const HeaderName = "X-API-Key"

// Extract returns the API key supplied on the request, or "".
func Extract(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderName))
}

// Authorize reports whether got matches expected using a constant-time
// comparison. An empty expected key never authorizes a request.
func Authorize(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
