package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/systems", func(r chi.Router) {
			r.Get("/", s.handleListSystems)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSystem)
				r.Get("/power", s.handleGetPower)
				r.Put("/power", s.handleSetPower)
				r.Patch("/boot", s.handlePatchBoot)
				r.Get("/nics", s.handleListNICs)

				r.Route("/media/{device}", func(r chi.Router) {
					r.Get("/", s.handleGetMedia)
					r.Put("/", s.handleInsertMedia)
					r.Delete("/", s.handleEjectMedia)
				})
			})
		})
	})

	return r
}
