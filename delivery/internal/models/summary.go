package models

import "time"

// Failure reasons carried on group outcomes
const (
	ReasonMappingNotFound = "mapping_not_found"
	ReasonRetryExhausted  = "retry_exhausted"
	ReasonTransport       = "transport"
)

// RunSummary is the aggregate outcome of one delivery run.
type RunSummary struct {
	Processed int      `json:"processed"`
	Sent      int      `json:"sent"`
	Expired   int      `json:"expired"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`

	// Groups holds per-pixel outcomes in pixel order for reporting sinks.
	Groups []GroupOutcome `json:"-"`
}

// NewRunSummary returns a zeroed summary with a non-nil error list.
func NewRunSummary() *RunSummary {
	return &RunSummary{Errors: []string{}}
}

// Merge folds a partial summary into s.
func (s *RunSummary) Merge(p *RunSummary) {
	if p == nil {
		return
	}
	s.Processed += p.Processed
	s.Sent += p.Sent
	s.Expired += p.Expired
	s.Failed += p.Failed
	s.Errors = append(s.Errors, p.Errors...)
	s.Groups = append(s.Groups, p.Groups...)
}

// Accounted returns sent + expired + failed.
func (s *RunSummary) Accounted() int {
	return s.Sent + s.Expired + s.Failed
}

// GroupOutcome records what happened to one pixel's events in a run.
type GroupOutcome struct {
	PixelID       string        `json:"pixel_id"`
	DestinationID string        `json:"destination_id,omitempty"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	TraceID       string        `json:"trace_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration_ns"`

	// Failures lists event ids per failure reason.
	Failures map[string][]string `json:"failures,omitempty"`
}

// AddFailures records event ids that failed for reason.
func (g *GroupOutcome) AddFailures(reason string, events []*ConversionEvent) {
	if len(events) == 0 {
		return
	}
	if g.Failures == nil {
		g.Failures = make(map[string][]string)
	}
	for _, e := range events {
		g.Failures[reason] = append(g.Failures[reason], e.EventID)
	}
}
