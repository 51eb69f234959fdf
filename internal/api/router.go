// Package api exposes the local HTTP surface consumed by the desk UI:
// setup draft editing, uniqueness checks, session control, and the
// WebSocket relay that pushes session state changes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rackdesk/rackdesk/internal/draft"
	"github.com/rackdesk/rackdesk/internal/session"
	"github.com/rackdesk/rackdesk/internal/validate"
)

// Server holds shared state for all API handlers.
type Server struct {
	Graph     *draft.Graph
	Store     *draft.SetupStore
	Checker   *validate.Checker
	Migration *session.Migration
	Discovery *session.Discovery
}

// NewRouter builds the chi router with all API routes.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Setup draft
		r.Get("/setup", s.GetSetup)
		r.Get("/setup/resources", s.GetResources)
		r.Post("/setup/resources/{kind}", s.AddResource)
		r.Put("/setup/resources/{kind}/{id}", s.UpdateResource)
		r.Delete("/setup/resources/{kind}/{id}", s.RemoveResource)
		r.Post("/setup/resources/{kind}/{id}/duplicate", s.DuplicateResource)
		r.Post("/setup/resources/{kind}/template", s.AddFromTemplate)
		r.Post("/setup/import", s.ImportSetup)
		r.Post("/setup/validate", s.ValidateSetup)
		r.Post("/setup/commit", s.CommitSetup)
		r.Post("/setup/reset", s.ResetSetup)
		r.Put("/setup/step", s.SetStep)
		r.Post("/setup/complete", s.CompleteSetup)
		r.Post("/setup/skip", s.SkipSetup)

		// Field-level uniqueness
		r.Get("/validation/check", s.CheckUniqueness)

		// Migration session
		r.Get("/migration", s.MigrationStatus)
		r.Post("/migration/start", s.StartMigration)
		r.Post("/migration/restart", s.RestartMigration)
		r.Post("/migration/cancel", s.CancelMigration)
		r.Post("/migration/reset", s.ResetMigration)

		// Discovery session
		r.Get("/discovery", s.DiscoveryStatus)
		r.Post("/discovery/start", s.StartDiscovery)
		r.Post("/discovery/retry", s.RetryDiscovery)
		r.Post("/discovery/cancel", s.CancelDiscovery)
		r.Post("/discovery/reset", s.ResetDiscovery)
	})

	// WebSocket (outside /api to avoid JSON content-type assumptions)
	r.Get("/ws/sessions/{namespace}", s.StreamSession)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
