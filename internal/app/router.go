package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"portfolio-serverless/internal/auth"
	"portfolio-serverless/internal/maintenance"
	"portfolio-serverless/internal/media"
	"portfolio-serverless/internal/observability"
	"portfolio-serverless/internal/project"
)

type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Tokens       *auth.TokenService
	Auth         *auth.Handler
	Projects     project.Store
	Cleanup      *maintenance.CleanupHandler
	Uploads      *media.UploadHandler
	HealthChecks map[string]HealthCheck
	TrustProxy   bool
}

func NewRouter(deps Dependencies) http.Handler {
	projectHandler := project.NewHandler(deps.Projects, deps.Logger)

	admin := func(h http.HandlerFunc) http.Handler {
		return auth.SecurityHeaders(h)
	}
	protected := func(h http.HandlerFunc) http.Handler {
		return auth.SecurityHeaders(auth.Middleware(deps.Tokens, h))
	}

	mux := http.NewServeMux()

	// The auth endpoints answer every method themselves so a 405 still goes
	// through SecurityHeaders.
	mux.Handle("/admin/login", admin(deps.Auth.Login))
	mux.Handle("/admin/refresh", admin(deps.Auth.Refresh))
	mux.Handle("/admin/logout", admin(deps.Auth.Logout))
	mux.Handle("GET /admin/session", protected(deps.Auth.Session))

	mux.HandleFunc("GET /projects", projectHandler.ListPublished)
	mux.Handle("GET /admin/projects", protected(projectHandler.ListAll))
	mux.Handle("POST /admin/projects", protected(projectHandler.Create))
	mux.Handle("PUT /admin/projects/order", protected(projectHandler.Reorder))
	mux.Handle("PUT /admin/projects/{id}", protected(projectHandler.Update))
	mux.Handle("PATCH /admin/projects/{id}/publish", protected(projectHandler.SetPublished))
	mux.Handle("DELETE /admin/projects/{id}", protected(projectHandler.Delete))

	if deps.Uploads != nil {
		mux.Handle("POST /admin/media/upload", protected(deps.Uploads.Upload))
	}

	if deps.Cleanup != nil {
		mux.HandleFunc("GET /internal/maintenance/cleanup", deps.Cleanup.Handle)
		mux.HandleFunc("POST /internal/maintenance/cleanup", deps.Cleanup.Handle)
	}
	mux.HandleFunc("GET /health", healthHandler(deps.HealthChecks))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return observability.RecoverMiddleware(deps.Logger,
		observability.RequestLoggingMiddleware(deps.Logger, deps.Metrics, deps.TrustProxy, mux))
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

		failed := make([]string, 0)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed = append(failed, name)
			}
		}
		if len(failed) > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["failed"] = failed
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
