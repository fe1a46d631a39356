package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/claudegate/claudegate/internal/api"
)

type contextKey string

const clientKeyContextKey contextKey = "clientKey"

// requireKey returns middleware that admits only requests carrying a key from
// the given set, via x-api-key or Authorization: Bearer.
func requireKey(keys []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" || !keyInSet(key, keys) {
			api.WriteError(w, api.NewError(api.CodeUnauthorized, "missing or invalid API key"))
			return
		}
		ctx := context.WithValue(r.Context(), clientKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// keyInSet compares in constant time per candidate.
func keyInSet(key string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func clientKey(ctx context.Context) string {
	v, _ := ctx.Value(clientKeyContextKey).(string)
	return v
}
