// Package outcomes publishes delivery run results to the message bus.
package outcomes

import "time"

// RunCompletedEvent is published to conversions.runs.completed after every run.
type RunCompletedEvent struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Expired    int       `json:"expired"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors"`
	Error      string    `json:"error,omitempty"`
}

// EventsFailedEvent is published to conversions.events.failed.<reason> once
// per pixel and reason, listing the affected event ids.
type EventsFailedEvent struct {
	RunID         string    `json:"run_id"`
	Reason        string    `json:"reason"`
	PixelID       string    `json:"pixel_id"`
	DestinationID string    `json:"destination_id,omitempty"`
	EventIDs      []string  `json:"event_ids"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
