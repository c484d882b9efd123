package server

import (
	"crypto/subtle"
	"net/http"
)

// publicPaths are reachable without an API key.
var publicPaths = map[string]bool{
	"/health": true,
	"/info":   true,
}

// apiKeyMiddleware gates non-public paths behind an X-API-Key header. With
// auth disabled or no key configured, everything passes.
func apiKeyMiddleware(key string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
