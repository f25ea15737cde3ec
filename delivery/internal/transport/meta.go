package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// Defaults for the Conversions API endpoint
const (
	DefaultMetaBaseURL    = "https://graph.facebook.com"
	DefaultMetaAPIVersion = "v18.0"

	maxErrorBody = 64 * 1024
)

// MetaConfig configures MetaTransport.
type MetaConfig struct {
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
	TestEventCode string
	UserAgent     string
}

// MetaTransport posts batches to the Meta Conversions API.
type MetaTransport struct {
	cfg    MetaConfig
	client *http.Client
}

// NewMetaTransport creates a transport with its own HTTP client.
func NewMetaTransport(cfg MetaConfig) *MetaTransport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMetaBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultMetaAPIVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "conversion-relay/1.0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &MetaTransport{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type metaRequest struct {
	Data          []models.NormalizedEvent `json:"data"`
	AccessToken   string                   `json:"access_token"`
	TestEventCode string                   `json:"test_event_code,omitempty"`
}

type metaResponse struct {
	EventsReceived int    `json:"events_received"`
	FBTraceID      string `json:"fbtrace_id"`
}

type metaErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (t *MetaTransport) endpoint(destinationID string) string {
	return fmt.Sprintf("%s/%s/%s/events", t.cfg.BaseURL, t.cfg.APIVersion, url.PathEscape(destinationID))
}

// SendEvents posts events for destinationID and returns the destination trace id.
func (t *MetaTransport) SendEvents(ctx context.Context, credential, destinationID string, events []models.NormalizedEvent) (*SendResult, error) {
	body, err := json.Marshal(metaRequest{
		Data:          events,
		AccessToken:   credential,
		TestEventCode: t.cfg.TestEventCode,
	})
	if err != nil {
		return nil, WrapPermanent(fmt.Errorf("marshal events: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(destinationID), bytes.NewReader(body))
	if err != nil {
		return nil, WrapPermanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, WrapTransient(errors.New("request timed out"))
		}
		// *url.Error quotes the URL, which holds no credential.
		return nil, WrapTransient(fmt.Errorf("send events: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyFailure(resp)
	}

	var out metaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Delivered but unreadable ack; the caller falls back to a synthetic marker.
		return &SendResult{EventsReceived: len(events)}, nil
	}

	return &SendResult{TraceID: out.FBTraceID, EventsReceived: out.EventsReceived}, nil
}

func classifyFailure(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := http.StatusText(resp.StatusCode)
	var apiErr metaErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return statusError(ErrTransient, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, apiErr.Error.Code == 190:
		return statusError(ErrPermanent, resp.StatusCode, msg)
	default:
		return statusError(ErrTransient, resp.StatusCode, msg)
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
