// Package orchestrator runs one delivery pass over the unsent event backlog.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/conversion-relay/common/logging"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/mapping"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/repository"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/transport"
)

// Defaults applied to zero Config fields
const (
	DefaultBatchLimit  = 1000
	DefaultWorkers     = 8
	DefaultSendTimeout = 30 * time.Second
	DefaultClaimLease  = 5 * time.Minute
)

// Config tunes a delivery run.
type Config struct {
	BatchLimit  int
	StaleAfter  time.Duration
	MaxRetries  int
	Workers     int
	SendTimeout time.Duration
	ClaimLease  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = models.StaleAfter
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = models.MaxRetries
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	return c
}

// Orchestrator pulls unsent events, routes them by pixel and records the outcome
// of every event before returning.
type Orchestrator struct {
	store     repository.EventStore
	resolver  mapping.Resolver
	transport transport.Transport
	cfg       Config
	now       func() time.Time
	newClaim  func() string
	logger    *slog.Logger
}

// New creates an orchestrator. Zero Config fields take package defaults.
func New(store repository.EventStore, resolver mapping.Resolver, tr transport.Transport, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		resolver:  resolver,
		transport: tr,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		newClaim:  uuid.NewString,
		logger:    logging.OrDefault(logger),
	}
}

// WithClock replaces the clock used for staleness and sent markers.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run performs one delivery pass.
//
// Delivery failures are reported in the summary and never abort the run.
// Store and resolver failures are returned as an error together with the
// summary of whatever was completed.
//
// Events are leased under a token unique to the run. Each group renews its
// lease right before sending, and events another run has taken over since
// the claim are dropped from this run and its summary.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunSummary, error) {
	summary := models.NewRunSummary()
	claim := o.newClaim()

	events, err := o.store.ClaimUnsent(ctx, claim, o.cfg.BatchLimit, o.cfg.ClaimLease)
	if err != nil {
		return summary, fmt.Errorf("failed to pull unsent events: %w", err)
	}
	if len(events) == 0 {
		return summary, nil
	}
	summary.Processed = len(events)

	now := o.now()
	stale, active := partitionStale(events, now, o.cfg.StaleAfter)
	if len(stale) > 0 {
		if err := o.store.MarkExpiredBatch(ctx, claim, models.EventIDs(stale)); err != nil {
			return summary, fmt.Errorf("failed to mark %d stale events expired: %w", len(stale), err)
		}
		summary.Expired += len(stale)
	}

	groups := groupByPixel(active)
	if len(groups) == 0 {
		return summary, nil
	}

	mappings, err := o.resolver.Resolve(ctx, pixelIDs(groups))
	if err != nil {
		return summary, err
	}

	routable := make([]pixelGroup, 0, len(groups))
	var errs []error
	for _, g := range groups {
		if m, ok := mappings[g.pixelID]; ok && m != nil {
			routable = append(routable, g)
			continue
		}
		partial, err := o.failUnmapped(ctx, claim, g)
		summary.Merge(partial)
		if err != nil {
			errs = append(errs, err)
		}
	}

	partials, groupErrs := runBounded(ctx, o.cfg.Workers, routable, func(ctx context.Context, g pixelGroup) (*models.RunSummary, error) {
		return o.deliverGroup(ctx, claim, g, mappings[g.pixelID])
	})
	for i := range routable {
		summary.Merge(partials[i])
		if groupErrs[i] != nil {
			errs = append(errs, groupErrs[i])
		}
	}

	return summary, errors.Join(errs...)
}

// failUnmapped marks every event of a pixel without a mapping as failed.
func (o *Orchestrator) failUnmapped(ctx context.Context, claim string, g pixelGroup) (*models.RunSummary, error) {
	reason := fmt.Sprintf("pixel %s: no destination mapping", g.pixelID)
	partial := models.NewRunSummary()
	outcome := models.GroupOutcome{PixelID: g.pixelID, Error: reason}

	if err := o.store.MarkFailedBatch(ctx, claim, models.EventIDs(g.events), reason); err != nil {
		return partial, fmt.Errorf("pixel %s: failed to mark unmapped events failed: %w", g.pixelID, err)
	}

	partial.Failed = len(g.events)
	partial.Errors = append(partial.Errors, reason)
	outcome.Failed = len(g.events)
	outcome.AddFailures(models.ReasonMappingNotFound, g.events)
	partial.Groups = append(partial.Groups, outcome)

	o.logger.WarnContext(ctx, "no destination mapping for pixel",
		logging.PixelID(g.pixelID),
		logging.EventCount(len(g.events)))

	return partial, nil
}

// deliverGroup handles one pixel: exhausted events fail, the rest go out in one call.
func (o *Orchestrator) deliverGroup(ctx context.Context, claim string, g pixelGroup, m *models.DestinationMapping) (*models.RunSummary, error) {
	start := o.now()
	partial := models.NewRunSummary()
	outcome := models.GroupOutcome{PixelID: g.pixelID, DestinationID: m.DestinationID}
	defer func() {
		outcome.Duration = o.now().Sub(start)
		partial.Groups = append(partial.Groups, outcome)
	}()

	events, err := o.renewClaim(ctx, claim, g)
	if err != nil {
		return partial, err
	}
	if lost := len(g.events) - len(events); lost > 0 {
		partial.Processed -= lost
	}
	if len(events) == 0 {
		return partial, nil
	}

	exhausted, sendable := splitExhausted(events, o.cfg.MaxRetries)
	if len(exhausted) > 0 {
		reason := fmt.Sprintf("retry limit of %d attempts reached", o.cfg.MaxRetries)
		if err := o.store.MarkFailedBatch(ctx, claim, models.EventIDs(exhausted), reason); err != nil {
			return partial, fmt.Errorf("pixel %s: failed to mark exhausted events failed: %w", g.pixelID, err)
		}
		partial.Failed += len(exhausted)
		outcome.Failed += len(exhausted)
		outcome.AddFailures(models.ReasonRetryExhausted, exhausted)
	}

	if len(sendable) == 0 {
		return partial, nil
	}

	ids := models.EventIDs(sendable)
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	res, err := o.transport.SendEvents(sendCtx, m.Credential, m.DestinationID, normalize(sendable))
	cancel()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out"
		}

		if markErr := o.store.IncrementRetryBatch(ctx, claim, ids, msg); markErr != nil {
			return partial, fmt.Errorf("pixel %s: failed to record retry: %w", g.pixelID, markErr)
		}

		partial.Failed += len(sendable)
		partial.Errors = append(partial.Errors, fmt.Sprintf("%s: %s", m.DestinationID, msg))
		outcome.Failed += len(sendable)
		outcome.Error = msg
		outcome.AddFailures(models.ReasonTransport, sendable)

		o.logger.WarnContext(ctx, "delivery to destination failed",
			logging.PixelID(g.pixelID),
			logging.DestinationID(m.DestinationID),
			logging.EventCount(len(sendable)),
			slog.Bool("permanent", transport.IsPermanent(err)),
			slog.String("error", msg))
		return partial, nil
	}

	marker := ""
	if res != nil {
		marker = res.TraceID
	}
	if marker == "" {
		marker = models.SentMarker(o.now())
	}

	// Delivered; a failed mark only means the batch is resent next run.
	partial.Sent += len(sendable)
	outcome.Sent += len(sendable)
	outcome.TraceID = marker

	if err := o.store.MarkSentBatch(ctx, claim, ids, marker); err != nil {
		return partial, fmt.Errorf("pixel %s: failed to mark %d delivered events sent: %w", g.pixelID, len(ids), err)
	}

	o.logger.DebugContext(ctx, "delivered events",
		logging.PixelID(g.pixelID),
		logging.DestinationID(m.DestinationID),
		logging.EventCount(len(sendable)),
		slog.String("trace_id", marker))

	return partial, nil
}

// renewClaim extends the lease on the group's events and returns the ones
// this run still holds.
func (o *Orchestrator) renewClaim(ctx context.Context, claim string, g pixelGroup) ([]*models.ConversionEvent, error) {
	held, err := o.store.ExtendClaim(ctx, claim, models.EventIDs(g.events), o.cfg.ClaimLease)
	if err != nil {
		return nil, fmt.Errorf("pixel %s: failed to renew claim: %w", g.pixelID, err)
	}
	if len(held) == len(g.events) {
		return g.events, nil
	}

	keep := make(map[int64]struct{}, len(held))
	for _, id := range held {
		keep[id] = struct{}{}
	}
	events := make([]*models.ConversionEvent, 0, len(held))
	for _, e := range g.events {
		if _, ok := keep[e.ID]; ok {
			events = append(events, e)
		}
	}

	o.logger.WarnContext(ctx, "events taken over by another run",
		logging.PixelID(g.pixelID),
		logging.EventCount(len(g.events)-len(events)))
	return events, nil
}
