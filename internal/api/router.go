package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyton-weissinger/patchworkmcp/internal/auth"
)

// NewRouter wires the API. apiKey, when set, is required on every mutating
// route.
func NewRouter(apiHandler *APIHandler, apiKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/feedback", apiHandler.ListFeedbackHandler)
		r.Get("/feedback/{id}", apiHandler.GetFeedbackHandler)
		r.Get("/stats", apiHandler.StatsHandler)
		r.Get("/settings", apiHandler.GetSettingsHandler)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireToken(apiKey))

			r.Post("/feedback", apiHandler.SubmitFeedbackHandler)
			r.Patch("/feedback/{id}", apiHandler.PatchFeedbackHandler)
			r.Post("/feedback/{id}/notes", apiHandler.AddNoteHandler)
			r.Post("/feedback/{id}/draft-pr", apiHandler.DraftPRHandler)
			r.Put("/settings", apiHandler.PutSettingsHandler)
		})
	})

	return r
}
