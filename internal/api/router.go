package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kiln/internal/service"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *service.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)
	uh := NewUploadHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Workflows.
	r.Get("/workflows", h.ListWorkflows)
	r.Post("/workflows", h.RunWorkflow)
	r.Get("/workflows/{id}", h.GetWorkflow)
	r.Get("/workflows/{id}/attestations", h.ListAttestations)

	// Template catalog.
	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", uh.Upload)
	r.Post("/templates/rescan", h.Rescan)
	r.Get("/templates/*", h.GetTemplate)
	r.Get("/generators", h.ListGenerators)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
