package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter mounts everything under /api/v1. Health is public; the
// websocket checks its own ticket; the rest sits behind authMiddleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/metrics", s.handleMetrics)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Post("/refresh", s.handleRefreshDevice)
					r.Get("/datapoints", s.handleListDatapoints)
					r.Get("/datapoints/{name}", s.handleGetDatapoint)
					r.Put("/datapoints/{name}", s.handleSetDatapoint)
				})
			})
		})

		r.Get(s.wsPath(), s.handleWebSocket)
	})

	return r
}

// wsPath is websocket.path from the config, "/ws" when unset.
func (s *Server) wsPath() string {
	p := s.wsCfg.Path
	if p == "" {
		return "/ws"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// handleHealth reports liveness and how many devices hold a link.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	devices := s.devices.Devices()
	for _, d := range devices {
		if d.Connected() {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"devices":           len(devices),
		"devices_connected": connected,
	})
}
