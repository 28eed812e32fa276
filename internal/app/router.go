package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/veritas-grc/veritas/internal/auth"
	"github.com/veritas-grc/veritas/internal/observability"
	"github.com/veritas-grc/veritas/internal/rbac"
	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/internal/shared"
	"github.com/veritas-grc/veritas/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	AuthHandler     *auth.Handler
	RBACHandler     *rbac.Handler
	RegistryHandler *registry.Handler
	JobsHandler     *jobs.Handler
	RBACMiddleware  rbac.Middleware
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Veritas defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Route("/api", func(r chi.Router) {
		if params.RBACHandler != nil {
			r.Route("/rbac", params.RBACHandler.MountRoutes)
		}
		// Launch and status handlers share the jobs subrouter: launches own the
		// named collection routes, the registry owns the per-job ones.
		r.Route("/jobs", func(r chi.Router) {
			if params.JobsHandler != nil {
				params.JobsHandler.MountRoutes(r, params.RBACMiddleware.Require)
			}
			if params.RegistryHandler != nil {
				params.RegistryHandler.MountRoutes(r, params.RBACMiddleware.Require)
			}
		})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
