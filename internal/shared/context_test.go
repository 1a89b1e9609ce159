package shared

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyMiddleware(t *testing.T) {
	var seen string
	h := IdempotencyKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdempotencyKeyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(IdempotencyHeader, "  abc-1 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "abc-1", seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.Empty(t, seen)
}

func TestEditLockKey(t *testing.T) {
	require.Equal(t, "cartera:edit:settlement:42:lock", EditLockKey("settlement", 42))
}
