// Package scheduler provides periodic execution of delivery runs.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/conversion-relay/common/logging"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/service"
)

// RunTrigger starts a single delivery run.
type RunTrigger interface {
	RunOnce(ctx context.Context, trigger string) (*models.RunReport, error)
}

// Scheduler triggers a delivery run on a fixed interval.
type Scheduler struct {
	runner   RunTrigger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new delivery scheduler.
func NewScheduler(runner RunTrigger, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins the scheduler loop. This should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.logger.Info("delivery scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runDelivery(ctx)

	for {
		select {
		case <-ticker.C:
			s.runDelivery(ctx)
		case <-s.stop:
			s.logger.Info("delivery scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("delivery scheduler context cancelled")
			return
		}
	}
}

// Stop signals the scheduler to stop and waits for it to finish.
// Stop must only be called after Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

func (s *Scheduler) runDelivery(ctx context.Context) {
	_, err := s.runner.RunOnce(ctx, models.TriggerScheduler)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrRunInProgress):
		s.logger.Debug("skipping scheduled run, another run is in progress")
	default:
		s.logger.Error("scheduled delivery run failed", logging.Error(err))
	}
}
