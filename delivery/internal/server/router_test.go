package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/conversion-relay/common/middleware"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/deststats"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/handlers"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/service"
)

type stubService struct{}

func (stubService) RunOnce(context.Context, string) (*models.RunReport, error) {
	return &models.RunReport{RunID: "run-1", Summary: models.NewRunSummary()}, nil
}

func (stubService) Backlog(context.Context) (int64, error) { return 3, nil }

func (stubService) DestinationStats(context.Context, string) (*deststats.Stats, error) {
	return nil, service.ErrStatsUnavailable
}

func newTestRouter() http.Handler {
	h := handlers.NewHandler(stubService{}, nil, nil)
	auth := middleware.TokenValidatorFunc(func(token string) error {
		if token != "secret" {
			return errors.New("bad token")
		}
		return nil
	})
	return NewRouter(h, auth, nil)
}

func TestRouter(t *testing.T) {
	router := newTestRouter()

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{name: "healthz open", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK},
		{name: "readyz open", method: http.MethodGet, path: "/readyz", wantStatus: http.StatusOK},
		{name: "metrics open", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "deliver without token", method: http.MethodPost, path: "/api/v1/cron/deliver", wantStatus: http.StatusUnauthorized},
		{name: "deliver bad token", method: http.MethodPost, path: "/api/v1/cron/deliver", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "deliver post", method: http.MethodPost, path: "/api/v1/cron/deliver", token: "secret", wantStatus: http.StatusOK},
		{name: "deliver get", method: http.MethodGet, path: "/api/v1/cron/deliver", token: "secret", wantStatus: http.StatusOK},
		{name: "backlog", method: http.MethodGet, path: "/api/v1/backlog", token: "secret", wantStatus: http.StatusOK},
		{name: "backlog unauthenticated", method: http.MethodGet, path: "/api/v1/backlog", wantStatus: http.StatusUnauthorized},
		{name: "destination stats", method: http.MethodGet, path: "/api/v1/destinations/act_1/stats", token: "secret", wantStatus: http.StatusNotImplemented},
		{name: "unknown route", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
		})
	}
}

func TestRouter_MetricsExposed(t *testing.T) {
	router := newTestRouter()

	// A run populates the relay collectors.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/deliver", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(httptest.NewRecorder(), req)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}
