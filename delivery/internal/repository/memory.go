package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// MemoryRepository implements Repository in process memory.
// Used for local runs without Postgres and by tests.
type MemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	events   map[int64]*models.ConversionEvent
	mappings map[string]*models.DestinationMapping
	now      func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:   make(map[int64]*models.ConversionEvent),
		mappings: make(map[string]*models.DestinationMapping),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for leases and timestamps.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *MemoryRepository) unsentLocked() []*models.ConversionEvent {
	out := make([]*models.ConversionEvent, 0)
	for _, e := range r.events {
		if !e.SentToMeta {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func clone(e *models.ConversionEvent) *models.ConversionEvent {
	c := *e
	return &c
}

// ClaimUnsent leases up to limit unsent, unleased events under claim.
func (r *MemoryRepository) ClaimUnsent(ctx context.Context, claim string, limit int, lease time.Duration) ([]*models.ConversionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if claim == "" {
		return nil, ErrEmptyClaim
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	until := now.Add(lease)
	claimed := make([]*models.ConversionEvent, 0, limit)
	for _, e := range r.unsentLocked() {
		if len(claimed) == limit {
			break
		}
		if e.ClaimedUntil != nil && !e.ClaimedUntil.Before(now) {
			continue
		}
		token := claim
		e.ClaimedUntil = &until
		e.ClaimToken = &token
		e.UpdatedAt = now
		claimed = append(claimed, clone(e))
	}
	return claimed, nil
}

// ExtendClaim renews the lease on ids still held under claim.
func (r *MemoryRepository) ExtendClaim(ctx context.Context, claim string, ids []int64, lease time.Duration) ([]int64, error) {
	if claim == "" {
		return nil, ErrEmptyClaim
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	until := now.Add(lease)
	held := make([]int64, 0, len(ids))
	for _, id := range ids {
		e, ok := r.events[id]
		if !ok || e.SentToMeta || !e.HeldBy(claim) {
			continue
		}
		e.ClaimedUntil = &until
		e.UpdatedAt = now
		held = append(held, id)
	}
	return held, nil
}

// FindUnsentEvents returns up to limit unsent events, oldest first.
func (r *MemoryRepository) FindUnsentEvents(ctx context.Context, limit int) ([]*models.ConversionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unsent := r.unsentLocked()
	if len(unsent) > limit {
		unsent = unsent[:limit]
	}
	out := make([]*models.ConversionEvent, len(unsent))
	for i, e := range unsent {
		out[i] = clone(e)
	}
	return out, nil
}

// MarkExpiredBatch marks events expired.
func (r *MemoryRepository) MarkExpiredBatch(ctx context.Context, claim string, ids []int64) error {
	return r.markTerminal(ctx, claim, ids, models.StatusExpired, models.MarkerExpired, nil)
}

// MarkFailedBatch marks events failed.
func (r *MemoryRepository) MarkFailedBatch(ctx context.Context, claim string, ids []int64, reason string) error {
	return r.markTerminal(ctx, claim, ids, models.StatusFailed, models.MarkerFailed, &reason)
}

// MarkSentBatch marks events sent under marker.
func (r *MemoryRepository) MarkSentBatch(ctx context.Context, claim string, ids []int64, marker string) error {
	if marker == "" {
		return ErrEmptyMarker
	}
	return r.markTerminal(ctx, claim, ids, models.StatusSent, marker, nil)
}

func (r *MemoryRepository) markTerminal(ctx context.Context, claim string, ids []int64, status models.Status, marker string, lastError *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, id := range ids {
		e, ok := r.events[id]
		if !ok || e.SentToMeta || !e.HeldBy(claim) {
			continue
		}
		m := marker
		e.SentToMeta = true
		e.State = status
		e.DeliveryMarker = &m
		if lastError != nil {
			le := *lastError
			e.LastError = &le
		}
		e.ClaimedUntil = nil
		e.ClaimToken = nil
		e.UpdatedAt = now
	}
	return nil
}

// IncrementRetryBatch bumps the retry counter of unsent events.
func (r *MemoryRepository) IncrementRetryBatch(ctx context.Context, claim string, ids []int64, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, id := range ids {
		e, ok := r.events[id]
		if !ok || e.SentToMeta || !e.HeldBy(claim) {
			continue
		}
		e.Retries = e.RetryCount() + 1
		if models.ParseRetryMarker(e.DeliveryMarker) > 0 {
			e.DeliveryMarker = nil
		}
		le := lastError
		e.LastError = &le
		e.ClaimedUntil = nil
		e.ClaimToken = nil
		e.UpdatedAt = now
	}
	return nil
}

// FindPixelTokenMappings returns the known mappings for pixelIDs.
func (r *MemoryRepository) FindPixelTokenMappings(ctx context.Context, pixelIDs []string) ([]*models.DestinationMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*models.DestinationMapping{}
	for _, id := range pixelIDs {
		if m, ok := r.mappings[id]; ok {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

// InsertEvents stores events, skipping (pixel_id, event_id) duplicates.
// Assigned ids are written back onto the inserted events.
func (r *MemoryRepository) InsertEvents(ctx context.Context, events []*models.ConversionEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[[2]string]struct{}, len(r.events))
	for _, e := range r.events {
		seen[[2]string{e.PixelID, e.EventID}] = struct{}{}
	}

	now := r.now()
	var inserted int64
	for _, e := range events {
		key := [2]string{e.PixelID, e.EventID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		r.nextID++
		stored := clone(e)
		stored.ID = r.nextID
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.State == "" {
			stored.State = models.StatusUnsent
		}
		stored.UpdatedAt = now
		r.events[stored.ID] = stored
		e.ID = stored.ID
		inserted++
	}
	return inserted, nil
}

// UpsertMapping creates or replaces a mapping.
func (r *MemoryRepository) UpsertMapping(ctx context.Context, m *models.DestinationMapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := *m
	if existing, ok := r.mappings[m.PixelID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.mappings[m.PixelID] = &c
	return nil
}

// CountUnsent returns the number of unsent events.
func (r *MemoryRepository) CountUnsent(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, e := range r.events {
		if !e.SentToMeta {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored event with id.
func (r *MemoryRepository) Get(id int64) (*models.ConversionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return nil, false
	}
	return clone(e), true
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (r *MemoryRepository) Close() error {
	return nil
}
