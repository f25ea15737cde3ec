// Package server provides HTTP server setup for the delivery service.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/conversion-relay/common/middleware"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/handlers"
)

// NewRouter constructs a ServeMux with delivery routes registered. API
// routes require a bearer token accepted by auth; health and metrics do not.
func NewRouter(h *handlers.Handler, auth middleware.TokenValidator, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.HandleFunc("/readyz", h.ReadyCheck)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	requireAuth := middleware.BearerAuth(auth)
	mux.Handle("/api/v1/cron/deliver", requireAuth(http.HandlerFunc(h.Deliver)))
	mux.Handle("/api/v1/backlog", requireAuth(http.HandlerFunc(h.Backlog)))
	mux.Handle("/api/v1/destinations/", requireAuth(http.HandlerFunc(h.DestinationStats)))

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
