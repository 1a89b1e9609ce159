package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	carterahttp "github.com/floraexport/cartera/internal/cartera/http"
	"github.com/floraexport/cartera/internal/editlock"
	"github.com/floraexport/cartera/internal/observability"
	"github.com/floraexport/cartera/internal/platform/httpx"
	"github.com/floraexport/cartera/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	CarteraHandler  *carterahttp.Handler
	EditLockHandler *editlock.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with cartera defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.CarteraHandler != nil {
		r.Route("/cartera", params.CarteraHandler.MountRoutes)
	}
	if params.EditLockHandler != nil {
		r.Route("/locks", params.EditLockHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
