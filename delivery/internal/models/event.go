// Package models provides data models for the conversion delivery service.
package models

import (
	"strconv"
	"strings"
	"time"
)

// Delivery thresholds
const (
	// StaleAfter is the age at which an unsent event is expired instead of sent.
	StaleAfter = 7 * 24 * time.Hour

	// MaxRetries is the number of failed delivery attempts after which an
	// event is marked failed without another attempt.
	MaxRetries = 3

	// ActionSource is the action source reported for every forwarded event.
	ActionSource = "website"
)

// Delivery markers written on terminal transitions
const (
	MarkerExpired = "EXPIRED"
	MarkerFailed  = "FAILED"

	legacyRetryPrefix = "RETRY_"
	sentPrefix        = "SENT_"
)

// Status is the lifecycle state of a conversion event.
type Status string

const (
	StatusUnsent  Status = "unsent"
	StatusSent    Status = "sent"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusExpired || s == StatusFailed
}

// ConversionEvent is a single recorded user action awaiting delivery.
type ConversionEvent struct {
	ID             int64          `json:"id"`
	EventID        string         `json:"event_id"` // Caller-assigned dedup key, forwarded unmodified
	PixelID        string         `json:"pixel_id"`
	EventName      string         `json:"event_name"`
	EventTime      time.Time      `json:"event_time"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	UserData       map[string]any `json:"user_data,omitempty"`
	CustomData     map[string]any `json:"custom_data,omitempty"`

	SentToMeta     bool       `json:"sent_to_meta"`
	State          Status     `json:"status"`
	Retries        int        `json:"retry_count"`
	DeliveryMarker *string    `json:"delivery_marker,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
	ClaimToken     *string    `json:"claim_token,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsStale reports whether the event is unsent and at least staleAfter old
// at ref. A non-positive staleAfter means StaleAfter.
func (e *ConversionEvent) IsStale(ref time.Time, staleAfter time.Duration) bool {
	if e.SentToMeta {
		return false
	}
	if staleAfter <= 0 {
		staleAfter = StaleAfter
	}
	return ref.Sub(e.CreatedAt) >= staleAfter
}

// HeldBy reports whether the event is leased under claim.
func (e *ConversionEvent) HeldBy(claim string) bool {
	return claim == "" || (e.ClaimToken != nil && *e.ClaimToken == claim)
}

// RetryCount returns the number of failed delivery attempts so far.
// Rows written before the explicit counter existed carry the count in a
// RETRY_<n> marker; the larger of the two wins.
func (e *ConversionEvent) RetryCount() int {
	n := e.Retries
	if legacy := ParseRetryMarker(e.DeliveryMarker); legacy > n {
		n = legacy
	}
	return n
}

// Status returns the stored lifecycle state.
func (e *ConversionEvent) Status() Status {
	if e.State != "" {
		return e.State
	}
	if e.SentToMeta {
		return StatusSent
	}
	return StatusUnsent
}

// Normalize converts the event to the wire shape sent to destinations.
func (e *ConversionEvent) Normalize() NormalizedEvent {
	return NormalizedEvent{
		EventName:      e.EventName,
		EventTime:      e.EventTime.Unix(),
		EventID:        e.EventID,
		EventSourceURL: e.EventSourceURL,
		ActionSource:   ActionSource,
		UserData:       e.UserData,
		CustomData:     e.CustomData,
	}
}

// ParseRetryMarker extracts n from a RETRY_<n> marker. Anything else yields 0.
func ParseRetryMarker(marker *string) int {
	if marker == nil || !strings.HasPrefix(*marker, legacyRetryPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(*marker, legacyRetryPrefix))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SentMarker is the synthetic marker used when a destination returns no trace id.
func SentMarker(at time.Time) string {
	return sentPrefix + strconv.FormatInt(at.UnixMilli(), 10)
}

// NormalizedEvent is the per-event payload forwarded to a destination.
type NormalizedEvent struct {
	EventName      string         `json:"event_name"`
	EventTime      int64          `json:"event_time"`
	EventID        string         `json:"event_id"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	ActionSource   string         `json:"action_source"`
	UserData       map[string]any `json:"user_data"`
	CustomData     map[string]any `json:"custom_data,omitempty"`
}

// EventIDs returns the store ids of events in order.
func EventIDs(events []*ConversionEvent) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
