package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
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

	// Prometheus scrape endpoint
	r.Get("/metrics", s.handlePrometheus)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/receiver", func(r chi.Router) {
			r.Get("/", s.handleGetReceiver)
			r.Get("/state", s.handleGetState)
			r.Get("/stats", s.handleGetStats)
			r.Post("/commands", s.handleCommand)
			r.Get("/history", s.handleListHistory)
		})

		r.Get("/audit", s.handleListAudit)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
// The status is "ok" while the receiver session is live, "degraded" otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.receiver.IsConnected() {
		status = "degraded"
	}

	resp := map[string]any{
		"status":             status,
		"version":            s.version,
		"receiver_connected": s.receiver.IsConnected(),
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	if s.health != nil {
		resp["bridge"] = s.health.Current()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePrometheus serves the Prometheus registry, if one was configured.
func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	if s.scrape == nil {
		writeUnavailable(w, "metrics registry not configured")
		return
	}
	s.scrape.ServeHTTP(w, r)
}

// broadcastChange relays a receiver change to WebSocket subscribers.
// It runs on the receiver read loop and must not block.
func (s *Server) broadcastChange(c jblav.Change) {
	s.hub.PublishChange(newStateChangeEvent(s.receiverID, c))
}

// stateSnapshot is the hub's SnapshotFunc.
func (s *Server) stateSnapshot() StateSnapshot {
	return StateSnapshot{
		ReceiverID: s.receiverID,
		Connected:  s.receiver.IsConnected(),
		State:      s.receiver.State().Named(),
	}
}
