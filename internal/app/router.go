package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authgrid/authgrid/internal/audit"
	"github.com/authgrid/authgrid/internal/observability"
	"github.com/authgrid/authgrid/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	RBACHandler    *rbac.Handler
	AuditHandler   *audit.Handler
	RBACMiddleware rbac.Middleware
	Metrics        *observability.Metrics
	Pool           *pgxpool.Pool
}

// NewRouter constructs the chi.Router with engine defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthz(params.Pool))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ServiceAuth(params.Config, params.Logger))
		params.RBACHandler.MountRoutes(r)
		r.Route("/audit", func(r chi.Router) {
			// The timeline is itself permission gated, resolved by the
			// engine it observes.
			r.Use(params.RBACMiddleware.RequireAny(rbac.PermAuditView))
			params.AuditHandler.MountRoutes(r)
		})
	})

	return r
}

func healthz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
