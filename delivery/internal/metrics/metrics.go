package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// Run outcome labels
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_runs_total",
			Help: "Total number of delivery runs",
		},
		[]string{"trigger", "outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_run_duration_seconds",
			Help:    "Duration of delivery runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_delivery_last_run_timestamp_seconds",
			Help: "Unix time the last delivery run finished",
		},
	)

	// Event metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_events_total",
			Help: "Total number of events by terminal or retry outcome",
		},
		[]string{"status"},
	)

	// Destination metrics
	DestinationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_destination_events_total",
			Help: "Events per destination by outcome",
		},
		[]string{"destination", "status"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_send_duration_seconds",
			Help:    "Duration of destination send calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// Backlog
	UnsentEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_delivery_unsent_events",
			Help: "Events waiting for delivery as of the last backlog check",
		},
	)
)

// Outcome classifies a report for the runs counter.
func Outcome(report *models.RunReport) string {
	if report.Error != "" {
		return OutcomeError
	}
	if report.Summary != nil && len(report.Summary.Errors) > 0 {
		return OutcomePartial
	}
	return OutcomeOK
}

// ObserveRun records a finished run.
func ObserveRun(report *models.RunReport) {
	RunsTotal.WithLabelValues(report.Trigger, Outcome(report)).Inc()
	RunDuration.Observe(report.Duration().Seconds())
	LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))

	s := report.Summary
	if s == nil {
		return
	}
	EventsTotal.WithLabelValues("sent").Add(float64(s.Sent))
	EventsTotal.WithLabelValues("expired").Add(float64(s.Expired))
	EventsTotal.WithLabelValues("failed").Add(float64(s.Failed))

	for _, g := range s.Groups {
		if g.DestinationID == "" {
			continue
		}
		if g.Sent > 0 {
			DestinationEventsTotal.WithLabelValues(g.DestinationID, "sent").Add(float64(g.Sent))
		}
		if g.Failed > 0 {
			DestinationEventsTotal.WithLabelValues(g.DestinationID, "failed").Add(float64(g.Failed))
		}
		if g.Duration > 0 {
			SendDuration.WithLabelValues(g.DestinationID).Observe(g.Duration.Seconds())
		}
	}
}

// ObserveSkipped records a trigger that found another run in progress.
func ObserveSkipped(trigger string) {
	RunsTotal.WithLabelValues(trigger, OutcomeSkipped).Inc()
}
