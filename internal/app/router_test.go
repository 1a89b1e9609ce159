package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floraexport/cartera/internal/observability"
	"github.com/floraexport/cartera/jobs"
)

func TestRouterServesHealthAndMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterParams{
		Logger:     logger,
		Config:     &Config{AppEnv: "test", RateLimitPerMinute: 100},
		JobHandler: jobs.NewHandler(nil, logger),
		Metrics:    observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rr.Header().Get("X-Ratelimit-Limit"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `cartera_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestRouterWithoutLedgerHandlers(t *testing.T) {
	router := NewRouter(RouterParams{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cartera/client/1/timeline", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInTestModeFollowsEnvironment(t *testing.T) {
	t.Setenv(TestModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(TestModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
