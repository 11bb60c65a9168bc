// Package auth guards mutating routes with an optional shared secret.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// ValidToken reports whether the Authorization header carries token. The
// comparison is constant-time.
func ValidToken(authHeader, token string) bool {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// RequireToken returns middleware that rejects requests without the bearer
// token. An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidToken(r.Header.Get("Authorization"), token) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "missing or invalid bearer token",
					"kind":  "Unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
