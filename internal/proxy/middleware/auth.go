package middleware

import (
	"net/http"
	"strings"

	"gemini-relay/internal/config"
)

// APIKeyAuth validates the inbound credential against the configured proxy
// API key. With no key configured, all requests pass. The key is accepted as
// a Bearer token, x-api-key, x-goog-api-key (GenAI SDK), or the `key` query
// parameter (Google API style).
func APIKeyAuth(provider *config.Provider) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected := provider.Current().APIKey
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if strings.TrimPrefix(auth, "Bearer ") == expected {
					next.ServeHTTP(w, r)
					return
				}
			}
			if r.Header.Get("x-api-key") == expected {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("x-goog-api-key") == expected {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Query().Get("key") == expected {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}
