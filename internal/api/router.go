package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/driverservice/internal/auth"
	"github.com/nerrad567/driverservice/internal/service"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Event stream (auth via ticket, validated in handler)
		r.Get("/events", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermEventsRead)).Post("/events/ticket", s.handleWSTicket)

			r.Route("/service", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermServiceRead)).Get("/", s.handleGetService)
				r.With(s.requirePermission(auth.PermServiceStop)).Post("/stop", s.handleStopService)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermHistoryRead))
				r.Get("/", s.handleListRuns)
				r.Get("/{id}", s.handleGetRun)
			})
		})
	})

	return r
}

// handleHealth reports 200 while the driver is ready and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.Stats()

	status, code := "ok", http.StatusOK
	if st.Status != service.StatusReady {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"service_status": st.Status,
	})
}
