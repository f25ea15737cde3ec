package models

import "time"

// Run triggers
const (
	TriggerHTTP      = "http"
	TriggerScheduler = "scheduler"
)

// RunReport describes one completed delivery run for reporting sinks.
type RunReport struct {
	RunID      string      `json:"run_id"`
	Trigger    string      `json:"trigger"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Summary    *RunSummary `json:"summary"`
	Error      string      `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
