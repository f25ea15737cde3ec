// Package handlers provides HTTP request handlers for the delivery service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/telhawk-systems/conversion-relay/common/httputil"
	"github.com/telhawk-systems/conversion-relay/common/logging"
	"github.com/telhawk-systems/conversion-relay/common/middleware"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/deststats"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/service"
)

// DeliveryService is the service surface used by the handlers.
type DeliveryService interface {
	RunOnce(ctx context.Context, trigger string) (*models.RunReport, error)
	Backlog(ctx context.Context) (int64, error)
	DestinationStats(ctx context.Context, destinationID string) (*deststats.Stats, error)
}

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the delivery service
type Handler struct {
	svc    DeliveryService
	store  Pinger
	logger *logging.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(svc DeliveryService, store Pinger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, store: store, logger: logger}
}

// DeliverResponse is the body of the cron deliver endpoint.
type DeliverResponse struct {
	RunID string `json:"run_id,omitempty"`
	*models.RunSummary
	Error string `json:"error,omitempty"`
}

// BacklogResponse is the body of the backlog endpoint.
type BacklogResponse struct {
	Unsent int64 `json:"unsent"`
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Reason  string `json:"reason,omitempty"`
}

const serviceName = "delivery"

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: serviceName,
	})
}

// ReadyCheck handles GET /readyz
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:  "not ready",
				Service: serviceName,
				Reason:  "database unavailable",
			})
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:  "ready",
		Service: serviceName,
	})
}

// Deliver handles POST|GET /api/v1/cron/deliver. Partial delivery failures
// still return 200; the summary carries them.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)

	report, err := h.svc.RunOnce(ctx, models.TriggerHTTP)
	if errors.Is(err, service.ErrRunInProgress) {
		httputil.WriteErrorWithRequestID(w, http.StatusConflict, err.Error(), reqID)
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "delivery run failed", logging.Error(err))
		resp := DeliverResponse{RunSummary: models.NewRunSummary(), Error: "delivery run failed"}
		if report != nil {
			resp.RunID = report.RunID
			resp.RunSummary = report.Summary
		}
		httputil.WriteJSON(w, http.StatusInternalServerError, resp)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, DeliverResponse{
		RunID:      report.RunID,
		RunSummary: report.Summary,
	})
}

// Backlog handles GET /api/v1/backlog
func (h *Handler) Backlog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	n, err := h.svc.Backlog(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "backlog check failed", logging.Error(err))
		httputil.WriteErrorWithRequestID(w, http.StatusInternalServerError, "failed to count unsent events", middleware.GetRequestID(r.Context()))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, BacklogResponse{Unsent: n})
}

// DestinationStats handles GET /api/v1/destinations/{id}/stats
func (h *Handler) DestinationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	id := destinationIDFromPath(r.URL.Path)
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "destination id required")
		return
	}

	stats, err := h.svc.DestinationStats(r.Context(), id)
	if errors.Is(err, service.ErrStatsUnavailable) {
		httputil.WriteError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "destination stats failed", logging.DestinationID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load destination stats")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// destinationIDFromPath extracts {id} from /api/v1/destinations/{id}/stats.
func destinationIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/destinations/")
	if !ok {
		return ""
	}
	id, suffix, _ := strings.Cut(rest, "/")
	if suffix != "stats" {
		return ""
	}
	return id
}
