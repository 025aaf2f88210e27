package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"projecthub.io/assistant/internal/auth"
)

// NewRouter mounts the assistant API. realtime may be nil; an empty jwtSecret
// leaves the API open.
func NewRouter(apiHandler *APIHandler, realtime http.Handler, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(jwtSecret))

			r.Post("/turns", apiHandler.SubmitTurnHandler)
			r.Get("/turns", apiHandler.ListTurnsHandler)
			r.Get("/turns/{turnID}", apiHandler.GetTurnHandler)
			r.Post("/turns/{turnID}/feedback", apiHandler.SubmitFeedbackHandler)
			r.Get("/turns/{turnID}/feedback", apiHandler.ListFeedbackHandler)
			r.Delete("/projects/{projectID}/turns", apiHandler.DeleteProjectTurnsHandler)

			r.Get("/stats", apiHandler.StatsHandler)

			r.Get("/personas", apiHandler.ListPersonasHandler)
			r.Post("/personas", apiHandler.CreatePersonaHandler)
			r.Put("/personas/{personaID}", apiHandler.UpdatePersonaHandler)
			r.Delete("/personas/{personaID}", apiHandler.DeletePersonaHandler)
			r.Post("/personas/{personaID}/default", apiHandler.SetDefaultPersonaHandler)

			if realtime != nil {
				r.Handle("/realtime", realtime)
			}
		})
	})

	return r
}
