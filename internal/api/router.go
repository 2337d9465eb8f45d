package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/status", s.handleStatus)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/snapshot/{subsystem}", s.handleSubsystem)
		r.Get("/choices", s.handleChoices)
		r.Get("/history/status", s.handleStatusHistory)
		r.Get("/history/{subsystem}", s.handleHistory)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermRouteOperate))
			r.Post("/routes", s.handleRoute)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermSystemAdmin))
			r.Put("/appliance", s.handleReconfigure)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"clients": s.feed.Clients(),
	})
}
