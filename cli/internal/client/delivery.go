// Package client is the relayctl HTTP client for the delivery service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRunInProgress is returned when the service reports a concurrent run.
var ErrRunInProgress = errors.New("a delivery run is already in progress")

// RunSummary mirrors the cron deliver response.
type RunSummary struct {
	RunID     string   `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Processed int      `json:"processed" yaml:"processed"`
	Sent      int      `json:"sent" yaml:"sent"`
	Expired   int      `json:"expired" yaml:"expired"`
	Failed    int      `json:"failed" yaml:"failed"`
	Errors    []string `json:"errors" yaml:"errors"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// DestinationStats mirrors the destination stats response.
type DestinationStats struct {
	DestinationID string            `json:"destination_id" yaml:"destination_id"`
	LastRunAt     *time.Time        `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastRunID     string            `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastTraceID   string            `json:"last_trace_id,omitempty" yaml:"last_trace_id,omitempty"`
	LastError     string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	TotalSent     int64             `json:"total_sent" yaml:"total_sent"`
	TotalFailed   int64             `json:"total_failed" yaml:"total_failed"`
	SentLastHour  int64             `json:"sent_last_hour" yaml:"sent_last_hour"`
	SentLast24h   int64             `json:"sent_last_24h" yaml:"sent_last_24h"`
	Pixels        []string          `json:"pixels,omitempty" yaml:"pixels,omitempty"`
	Instances     map[string]string `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// APIError is a non-2xx response from the delivery service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("delivery service returned %d: %s", e.StatusCode, e.Message)
}

type DeliveryClient struct {
	baseURL string
	client  *http.Client
}

// NewDeliveryClient creates a client. Runs can take minutes, so the
// timeout is generous.
func NewDeliveryClient(baseURL string) *DeliveryClient {
	return &DeliveryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// Trigger starts a delivery run and waits for its summary. A 500 response
// still decodes the partial summary and returns it with an APIError.
func (c *DeliveryClient) Trigger(ctx context.Context, token string) (*RunSummary, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/cron/deliver", token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var summary RunSummary
		if err := json.Unmarshal(body, &summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
		return &summary, nil
	case http.StatusConflict:
		return nil, ErrRunInProgress
	case http.StatusInternalServerError:
		var summary RunSummary
		if err := json.Unmarshal(body, &summary); err == nil {
			return &summary, &APIError{StatusCode: resp.StatusCode, Message: summary.Error}
		}
	}
	return nil, apiError(resp.StatusCode, body)
}

// Backlog returns the number of unsent events.
func (c *DeliveryClient) Backlog(ctx context.Context, token string) (int64, error) {
	var out struct {
		Unsent int64 `json:"unsent"`
	}
	if err := c.getJSON(ctx, "/api/v1/backlog", token, &out); err != nil {
		return 0, err
	}
	return out.Unsent, nil
}

// DestinationStats returns delivery statistics for a destination.
func (c *DeliveryClient) DestinationStats(ctx context.Context, token, destinationID string) (*DestinationStats, error) {
	var out DestinationStats
	path := "/api/v1/destinations/" + url.PathEscape(destinationID) + "/stats"
	if err := c.getJSON(ctx, path, token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *DeliveryClient) getJSON(ctx context.Context, path, token string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *DeliveryClient) do(ctx context.Context, method, path, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
