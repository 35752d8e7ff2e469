package middleware

import (
	"crypto/subtle"
	"net/http"
)

// HeaderAdminToken guards destructive admin operations (user deletion,
// breaker reset).
const HeaderAdminToken = "X-Admin-Token"

// AdminAuth rejects requests whose admin token does not match. An empty
// configured token disables the guard (local development).
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				supplied := r.Header.Get(HeaderAdminToken)
				if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
					http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"admin token required"}}`, http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
