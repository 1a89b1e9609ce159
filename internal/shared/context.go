package shared

import (
	"context"
	"net/http"
	"strings"
)

// IdempotencyHeader is the request header carrying a client supplied key.
const IdempotencyHeader = "Idempotency-Key"

type idempotencyContextKey struct{}

// ContextWithIdempotencyKey stores the request key in context.
func ContextWithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyContextKey{}, key)
}

// IdempotencyKeyFromContext extracts the key, empty when the request had none.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyContextKey{}).(string)
	return key
}

// IdempotencyKeyMiddleware copies the Idempotency-Key header into the request context.
func IdempotencyKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdempotencyKey(r.Context(), key)))
	})
}
