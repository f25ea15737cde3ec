package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/mapping"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/repository"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/transport"
)

// failingStore wraps a MemoryRepository and overrides selected calls.
type failingStore struct {
	*repository.MemoryRepository
	claimFunc      func(ctx context.Context, claim string, limit int, lease time.Duration) ([]*models.ConversionEvent, error)
	extendFunc     func(ctx context.Context, claim string, ids []int64, lease time.Duration) ([]int64, error)
	markExpired    func(ctx context.Context, claim string, ids []int64) error
	markSentFunc   func(ctx context.Context, claim string, ids []int64, marker string) error
	incrementRetry func(ctx context.Context, claim string, ids []int64, lastError string) error
}

func (s *failingStore) ClaimUnsent(ctx context.Context, claim string, limit int, lease time.Duration) ([]*models.ConversionEvent, error) {
	if s.claimFunc != nil {
		return s.claimFunc(ctx, claim, limit, lease)
	}
	return s.MemoryRepository.ClaimUnsent(ctx, claim, limit, lease)
}

func (s *failingStore) ExtendClaim(ctx context.Context, claim string, ids []int64, lease time.Duration) ([]int64, error) {
	if s.extendFunc != nil {
		return s.extendFunc(ctx, claim, ids, lease)
	}
	return s.MemoryRepository.ExtendClaim(ctx, claim, ids, lease)
}

func (s *failingStore) MarkExpiredBatch(ctx context.Context, claim string, ids []int64) error {
	if s.markExpired != nil {
		return s.markExpired(ctx, claim, ids)
	}
	return s.MemoryRepository.MarkExpiredBatch(ctx, claim, ids)
}

func (s *failingStore) MarkSentBatch(ctx context.Context, claim string, ids []int64, marker string) error {
	if s.markSentFunc != nil {
		return s.markSentFunc(ctx, claim, ids, marker)
	}
	return s.MemoryRepository.MarkSentBatch(ctx, claim, ids, marker)
}

func (s *failingStore) IncrementRetryBatch(ctx context.Context, claim string, ids []int64, lastError string) error {
	if s.incrementRetry != nil {
		return s.incrementRetry(ctx, claim, ids, lastError)
	}
	return s.MemoryRepository.IncrementRetryBatch(ctx, claim, ids, lastError)
}

type resolverFunc func(ctx context.Context, pixelIDs []string) (map[string]*models.DestinationMapping, error)

func (f resolverFunc) Resolve(ctx context.Context, pixelIDs []string) (map[string]*models.DestinationMapping, error) {
	return f(ctx, pixelIDs)
}

var errDB = errors.New("connection reset by peer")

func TestRun_ClaimError(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{
		MemoryRepository: f.repo,
		claimFunc: func(context.Context, string, int, time.Duration) ([]*models.ConversionEvent, error) {
			return nil, errDB
		},
	}

	o := New(store, mapping.NewStoreResolver(store), okTransport(), Config{}, nil)
	summary, err := o.Run(context.Background())

	require.ErrorIs(t, err, errDB)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.Processed)
}

func TestRun_ExpireError(t *testing.T) {
	f := newFixture(t)
	f.addEvent(t, "px-A", "old", 10*24*time.Hour, 0, nil)
	store := &failingStore{
		MemoryRepository: f.repo,
		markExpired:      func(context.Context, string, []int64) error { return errDB },
	}
	tr := okTransport()

	o := New(store, mapping.NewStoreResolver(store), tr, Config{}, nil).WithClock(func() time.Time { return testNow })
	_, err := o.Run(context.Background())

	require.ErrorIs(t, err, errDB)
	assert.Zero(t, tr.callCount())
}

func TestRun_ResolverError(t *testing.T) {
	f := newFixture(t)
	f.addEvent(t, "px-A", "a1", time.Hour, 0, nil)
	tr := okTransport()

	o := New(f.repo, resolverFunc(func(context.Context, []string) (map[string]*models.DestinationMapping, error) {
		return nil, errDB
	}), tr, Config{}, nil).WithClock(func() time.Time { return testNow })

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, errDB)
	assert.Zero(t, tr.callCount())
}

func TestRun_ResolverCalledOnceWithSortedPixels(t *testing.T) {
	f := newFixture(t)
	f.addEvent(t, "px-z", "z", time.Hour, 0, nil)
	f.addEvent(t, "px-m", "m", time.Hour, 0, nil)
	f.addEvent(t, "px-a", "a", time.Hour, 0, nil)
	f.addEvent(t, "px-m", "m2", time.Hour, 0, nil)
	f.addEvent(t, "px-stale", "s", 8*24*time.Hour, 0, nil)

	var calls [][]string
	o := New(f.repo, resolverFunc(func(_ context.Context, ids []string) (map[string]*models.DestinationMapping, error) {
		calls = append(calls, ids)
		return map[string]*models.DestinationMapping{}, nil
	}), okTransport(), Config{}, nil).WithClock(func() time.Time { return testNow })

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, []string{"px-a", "px-m", "px-z"}, calls[0])
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 1, summary.Expired)
}

func TestRun_GroupStoreErrorsJoined(t *testing.T) {
	f := newFixture(t)
	f.mapPixel(t, "px-A", "act_A")
	f.mapPixel(t, "px-B", "act_B")
	f.mapPixel(t, "px-C", "act_C")
	f.addEvent(t, "px-A", "a1", time.Hour, 0, nil)
	f.addEvent(t, "px-B", "b1", time.Hour, 0, nil)
	f.addEvent(t, "px-C", "c1", time.Hour, 0, nil)

	errRetry := errors.New("retry write failed")
	store := &failingStore{
		MemoryRepository: f.repo,
		markSentFunc: func(_ context.Context, claim string, ids []int64, marker string) error {
			if marker == "trace-act_A" {
				return errDB
			}
			return f.repo.MarkSentBatch(context.Background(), claim, ids, marker)
		},
		incrementRetry: func(context.Context, string, []int64, string) error { return errRetry },
	}
	tr := newMockTransport(func(_ context.Context, _, destinationID string, _ []models.NormalizedEvent) (*transport.SendResult, error) {
		if destinationID == "act_B" {
			return nil, errors.New("down")
		}
		return &transport.SendResult{TraceID: "trace-" + destinationID}, nil
	})

	o := New(store, mapping.NewStoreResolver(store), tr, Config{}, nil).WithClock(func() time.Time { return testNow })
	summary, err := o.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errDB)
	assert.ErrorIs(t, err, errRetry)
	assert.Contains(t, err.Error(), "pixel px-A")
	assert.Contains(t, err.Error(), "pixel px-B")

	// Group C still completed
	assert.Equal(t, models.StatusSent, f.event(t, "c1").Status())
	assert.Equal(t, 2, summary.Sent, "A was delivered even though its mark failed")
}
