package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)
	r.Use(corsMiddleware)
	r.Use(bodyLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/slaves", s.handleListSlaves)

	r.Route("/slave/{slaveId}", func(r chi.Router) {
		r.Post("/relays", s.handleSetRelays)

		r.Route("/relay/{n}", func(r chi.Router) {
			r.Get("/", s.handleGetRelay)
			r.Post("/", s.handleSetRelay)
			r.Post("/blink", s.handleBlink)
			r.Post("/schedule", s.handleSetSchedule)
			r.Get("/schedules", s.handleRelaySchedules)
			r.Get("/history", s.handleRelayHistory)
		})
	})

	r.Get("/schedules", s.handleListSchedules)
	r.Route("/schedule/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSchedule)
		r.Patch("/", s.handlePatchSchedule)
		r.Delete("/", s.handleDeleteSchedule)
	})

	return r
}
