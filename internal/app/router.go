package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/caravan-social/caravan/internal/adminops"
	audithttp "github.com/caravan-social/caravan/internal/audit/http"
	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/identity"
	"github.com/caravan-social/caravan/internal/mfa"
	"github.com/caravan-social/caravan/internal/observability"
	"github.com/caravan-social/caravan/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AuthzHandler    *authz.Handler
	IdentityHandler *identity.Handler
	MFAHandler      *mfa.Handler
	AdminHandler    *adminops.Handler
	AuditHandler    *audithttp.Handler
	JobsHandler     *jobs.Handler
	AuthzMiddleware authz.Middleware
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
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
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if params.AuthzHandler != nil {
			params.AuthzHandler.MountRoutes(r)
		}
		if params.IdentityHandler != nil {
			params.IdentityHandler.MountRoutes(r)
		}
		if params.MFAHandler != nil {
			params.MFAHandler.MountRoutes(r)
		}
		if params.AdminHandler != nil {
			params.AdminHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r, params.AuthzMiddleware)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.AuthzMiddleware.RequireAny("system.manage_jobs"))
				params.JobsHandler.MountRoutes(r)
			})
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
