package outcomes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/telhawk-systems/conversion-relay/common/messaging"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// Publisher publishes run outcomes through a messaging.Publisher.
type Publisher struct {
	pub messaging.Publisher
}

// NewPublisher creates a new outcome publisher.
func NewPublisher(pub messaging.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

// PublishRun publishes the run summary and one message per failed batch.
// Message ids derive from the run id so a retried publish is deduplicated
// by the stream.
func (p *Publisher) PublishRun(ctx context.Context, report *models.RunReport) error {
	s := report.Summary
	if s == nil {
		s = models.NewRunSummary()
	}

	var errs []error
	completed := &RunCompletedEvent{
		RunID:      report.RunID,
		Trigger:    report.Trigger,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		DurationMs: report.Duration().Milliseconds(),
		Processed:  s.Processed,
		Sent:       s.Sent,
		Expired:    s.Expired,
		Failed:     s.Failed,
		Errors:     s.Errors,
		Error:      report.Error,
	}
	if err := p.publish(ctx, messaging.SubjectConversionRunsCompleted, report.RunID, report.RunID, completed); err != nil {
		errs = append(errs, err)
	}

	for _, g := range s.Groups {
		reasons := make([]string, 0, len(g.Failures))
		for reason := range g.Failures {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)

		for _, reason := range reasons {
			failed := &EventsFailedEvent{
				RunID:         report.RunID,
				Reason:        reason,
				PixelID:       g.PixelID,
				DestinationID: g.DestinationID,
				EventIDs:      g.Failures[reason],
				Error:         g.Error,
				OccurredAt:    report.FinishedAt,
			}
			msgID := fmt.Sprintf("%s:%s:%s", report.RunID, g.PixelID, reason)
			if err := p.publish(ctx, messaging.FailedEventsSubject(reason), msgID, report.RunID, failed); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// publish marshals data to JSON and publishes to the specified subject.
func (p *Publisher) publish(ctx context.Context, subject, id, runID string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.pub.PublishMsg(ctx, &messaging.Message{
		Subject:  subject,
		Data:     bytes,
		ID:       id,
		Metadata: map[string]string{"Run-Id": runID},
	})
}
