// Package service runs delivery batches and fans their results out to the
// reporting sinks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/conversion-relay/common/logging"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/deststats"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/lock"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/metrics"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

var (
	// ErrRunInProgress is returned when another run holds the single-flight lock.
	ErrRunInProgress = errors.New("delivery run already in progress")

	// ErrStatsUnavailable is returned when destination stats are not configured.
	ErrStatsUnavailable = errors.New("destination stats not configured")
)

const defaultSinkTimeout = 10 * time.Second

// Runner executes one delivery batch.
type Runner interface {
	Run(ctx context.Context) (*models.RunSummary, error)
}

// BacklogCounter reports the number of undelivered events.
type BacklogCounter interface {
	CountUnsent(ctx context.Context) (int64, error)
}

// OutcomePublisher publishes run results to the message bus.
type OutcomePublisher interface {
	PublishRun(ctx context.Context, report *models.RunReport) error
}

// AuditSink persists a record of each run.
type AuditSink interface {
	Record(ctx context.Context, report *models.RunReport) error
}

// StatsStore records and serves per-destination statistics.
type StatsStore interface {
	RecordRun(ctx context.Context, runID string, groups []models.GroupOutcome) error
	GetStats(ctx context.Context, destinationID string) (*deststats.Stats, error)
}

// Options holds the optional collaborators of a Service. Nil sinks are skipped.
type Options struct {
	Publisher   OutcomePublisher
	Audit       AuditSink
	Stats       StatsStore
	SinkTimeout time.Duration
	Logger      *slog.Logger
}

// Service provides the delivery run entry point shared by the HTTP trigger
// and the scheduler.
type Service struct {
	runner  Runner
	locker  lock.Locker
	backlog BacklogCounter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new Service instance.
func NewService(runner Runner, locker lock.Locker, backlog BacklogCounter, opts Options) *Service {
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:  runner,
		locker:  locker,
		backlog: backlog,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RunOnce executes a single delivery run under the single-flight lock.
// The run is detached from ctx cancellation so a dropped HTTP client does
// not abandon a half-processed batch. On an infrastructure error the
// partial report is returned together with the error.
func (s *Service) RunOnce(ctx context.Context, trigger string) (*models.RunReport, error) {
	runCtx := context.WithoutCancel(ctx)

	release, err := s.locker.Acquire(runCtx)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.ObserveSkipped(trigger)
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	defer func() {
		if err := release(runCtx); err != nil {
			s.logger.Warn("failed to release run lock", logging.Error(err))
		}
	}()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	report := &models.RunReport{
		RunID:     id.String(),
		Trigger:   trigger,
		StartedAt: s.now(),
	}
	log := s.logger.With(logging.RunID(report.RunID), slog.String("trigger", trigger))
	log.Info("delivery run started")

	summary, runErr := s.runner.Run(runCtx)
	if summary == nil {
		summary = models.NewRunSummary()
	}
	report.Summary = summary
	report.FinishedAt = s.now()
	if runErr != nil {
		report.Error = runErr.Error()
	}

	s.report(runCtx, log, report)

	attrs := []any{
		slog.Int("processed", summary.Processed),
		slog.Int("sent", summary.Sent),
		slog.Int("expired", summary.Expired),
		slog.Int("failed", summary.Failed),
		slog.Int("errors", len(summary.Errors)),
		logging.Duration(report.Duration()),
	}
	if runErr != nil {
		log.Error("delivery run aborted", append(attrs, logging.Error(runErr))...)
		return report, runErr
	}
	log.Info("delivery run completed", attrs...)

	return report, nil
}

// report hands the finished run to every configured sink. Sink failures are
// logged and never change the run result.
func (s *Service) report(ctx context.Context, log *slog.Logger, report *models.RunReport) {
	metrics.ObserveRun(report)

	if s.opts.Publisher != nil {
		s.sink(ctx, log, "outcome publish", func(ctx context.Context) error {
			return s.opts.Publisher.PublishRun(ctx, report)
		})
	}
	if s.opts.Audit != nil {
		s.sink(ctx, log, "audit record", func(ctx context.Context) error {
			return s.opts.Audit.Record(ctx, report)
		})
	}
	if s.opts.Stats != nil {
		s.sink(ctx, log, "destination stats", func(ctx context.Context) error {
			return s.opts.Stats.RecordRun(ctx, report.RunID, report.Summary.Groups)
		})
	}
}

func (s *Service) sink(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Warn("run reporting failed", slog.String("sink", name), logging.Error(err))
	}
}

// Backlog returns the number of unsent events and updates the backlog gauge.
func (s *Service) Backlog(ctx context.Context) (int64, error) {
	n, err := s.backlog.CountUnsent(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsent events: %w", err)
	}
	metrics.UnsentEvents.Set(float64(n))
	return n, nil
}

// DestinationStats returns delivery statistics for a destination.
func (s *Service) DestinationStats(ctx context.Context, destinationID string) (*deststats.Stats, error) {
	if s.opts.Stats == nil {
		return nil, ErrStatsUnavailable
	}
	return s.opts.Stats.GetStats(ctx, destinationID)
}
