package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func serveHealth(t *testing.T, h *Handler) (*httptest.ResponseRecorder, queueHealth) {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	var body queueHealth
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthWithoutInspector(t *testing.T) {
	rec, body := serveHealth(t, NewHandler(nil, quietLogger()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, QueueDefault, body.Queue)
	require.Zero(t, body.Pending)
}

func TestHealthReportsQueueInfo(t *testing.T) {
	h := &Handler{inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}}, logger: quietLogger()}
	rec, body := serveHealth(t, h)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, body.Pending)
	require.Equal(t, 1, body.Retry)
}

func TestHealthUnavailable(t *testing.T) {
	h := &Handler{inspector: stubInspector{err: errors.New("redis down")}, logger: quietLogger()}
	rec, _ := serveHealth(t, h)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
