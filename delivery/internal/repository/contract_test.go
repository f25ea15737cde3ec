package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

func newEvent(pixelID, eventID string, age time.Duration) *models.ConversionEvent {
	created := time.Now().Add(-age).UTC().Truncate(time.Millisecond)
	return &models.ConversionEvent{
		EventID:        eventID,
		PixelID:        pixelID,
		EventName:      "Purchase",
		EventTime:      created,
		EventSourceURL: "https://shop.example.com/thanks",
		UserData:       map[string]any{"em": "9f86d081"},
		CustomData:     map[string]any{"currency": "USD"},
		CreatedAt:      created,
	}
}

func seed(t *testing.T, repo Repository, events ...*models.ConversionEvent) []int64 {
	t.Helper()
	n, err := repo.InsertEvents(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, int64(len(events)), n)

	unsent, err := repo.FindUnsentEvents(context.Background(), 1000)
	require.NoError(t, err)
	byEventID := make(map[string]int64, len(unsent))
	for _, e := range unsent {
		byEventID[e.EventID] = e.ID
	}
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = byEventID[e.EventID]
	}
	return ids
}

func findUnsent(t *testing.T, repo Repository, id int64) *models.ConversionEvent {
	t.Helper()
	unsent, err := repo.FindUnsentEvents(context.Background(), 1000)
	require.NoError(t, err)
	for _, e := range unsent {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// runStoreContract exercises behaviour every Repository implementation must share.
func runStoreContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("insert skips duplicates", func(t *testing.T) {
		repo := newRepo(t)
		n, err := repo.InsertEvents(ctx, []*models.ConversionEvent{
			newEvent("px-1", "e1", time.Hour),
			newEvent("px-1", "e1", time.Hour),
			newEvent("px-2", "e1", time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		count, err := repo.CountUnsent(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("find unsent orders oldest first and honours limit", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo,
			newEvent("px-1", "newest", time.Minute),
			newEvent("px-1", "oldest", 3*time.Hour),
			newEvent("px-1", "middle", 2*time.Hour),
		)

		events, err := repo.FindUnsentEvents(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "oldest", events[0].EventID)
		assert.Equal(t, "middle", events[1].EventID)

		_, err = repo.FindUnsentEvents(ctx, 0)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	})

	t.Run("claim leases rows away from a second claim", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo,
			newEvent("px-1", "a", 3*time.Hour),
			newEvent("px-1", "b", 2*time.Hour),
			newEvent("px-1", "c", time.Hour),
		)

		first, err := repo.ClaimUnsent(ctx, "run-a", 2, time.Minute)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "a", first[0].EventID)
		assert.NotNil(t, first[0].ClaimedUntil)
		assert.True(t, first[0].HeldBy("run-a"))

		second, err := repo.ClaimUnsent(ctx, "run-b", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, "c", second[0].EventID)

		third, err := repo.ClaimUnsent(ctx, "run-c", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, third)

		_, err = repo.ClaimUnsent(ctx, "", 10, time.Minute)
		assert.ErrorIs(t, err, ErrEmptyClaim)
	})

	t.Run("concurrent claims never overlap", func(t *testing.T) {
		repo := newRepo(t)
		events := make([]*models.ConversionEvent, 60)
		for i := range events {
			events[i] = newEvent("px-1", fmt.Sprintf("evt-%02d", i), time.Duration(i+1)*time.Second)
		}
		seed(t, repo, events...)

		const claimers = 6
		var wg sync.WaitGroup
		results := make([][]*models.ConversionEvent, claimers)
		errs := make([]error, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = repo.ClaimUnsent(ctx, fmt.Sprintf("run-%d", i), 15, time.Minute)
			}(i)
		}
		wg.Wait()

		seen := make(map[string]string)
		for i, claimed := range results {
			require.NoError(t, errs[i])
			for _, e := range claimed {
				owner, dup := seen[e.EventID]
				assert.False(t, dup, "event %s claimed by run-%d and %s", e.EventID, i, owner)
				seen[e.EventID] = fmt.Sprintf("run-%d", i)
			}
		}
		assert.Len(t, seen, 60)
	})

	t.Run("extend claim renews only rows still held", func(t *testing.T) {
		repo := newRepo(t)
		ids := seed(t, repo,
			newEvent("px-1", "a", 2*time.Hour),
			newEvent("px-1", "b", time.Hour),
		)

		_, err := repo.ClaimUnsent(ctx, "run-a", 10, time.Minute)
		require.NoError(t, err)

		held, err := repo.ExtendClaim(ctx, "run-a", ids, time.Hour)
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, held)

		notHeld, err := repo.ExtendClaim(ctx, "run-b", ids, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, notHeld)

		require.NoError(t, repo.MarkSentBatch(ctx, "run-a", ids[:1], "fbtrace-1"))
		held, err = repo.ExtendClaim(ctx, "run-a", ids, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, ids[1:], held, "terminal rows are no longer held")

		_, err = repo.ExtendClaim(ctx, "", ids, time.Hour)
		assert.ErrorIs(t, err, ErrEmptyClaim)
	})

	t.Run("a run that lost its lease cannot mark the rows", func(t *testing.T) {
		repo := newRepo(t)
		ids := seed(t, repo, newEvent("px-1", "a", time.Hour))

		_, err := repo.ClaimUnsent(ctx, "run-a", 10, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		reclaimed, err := repo.ClaimUnsent(ctx, "run-b", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)

		held, err := repo.ExtendClaim(ctx, "run-a", ids, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, held)

		require.NoError(t, repo.MarkSentBatch(ctx, "run-a", ids, "fbtrace-a"))
		require.NoError(t, repo.IncrementRetryBatch(ctx, "run-a", ids, "late"))
		got := findUnsent(t, repo, ids[0])
		require.NotNil(t, got, "stale run must not mark the row")
		assert.Zero(t, got.Retries)
		assert.True(t, got.HeldBy("run-b"))

		require.NoError(t, repo.MarkSentBatch(ctx, "run-b", ids, "fbtrace-b"))
		assert.Nil(t, findUnsent(t, repo, ids[0]))
	})

	t.Run("retry increment releases the lease", func(t *testing.T) {
		repo := newRepo(t)
		ids := seed(t, repo, newEvent("px-1", "a", time.Hour))

		_, err := repo.ClaimUnsent(ctx, "run-a", 10, time.Hour)
		require.NoError(t, err)
		require.NoError(t, repo.IncrementRetryBatch(ctx, "run-a", ids, "act_1: timeout"))

		claimed, err := repo.ClaimUnsent(ctx, "run-b", 10, time.Hour)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 1, claimed[0].RetryCount())
		require.NotNil(t, claimed[0].LastError)
		assert.Equal(t, "act_1: timeout", *claimed[0].LastError)
	})

	t.Run("retry increment folds legacy markers", func(t *testing.T) {
		repo := newRepo(t)
		legacy := "RETRY_2"
		e := newEvent("px-1", "legacy", time.Hour)
		e.DeliveryMarker = &legacy
		ids := seed(t, repo, e)

		require.NoError(t, repo.IncrementRetryBatch(ctx, "", ids, "boom"))

		got := findUnsent(t, repo, ids[0])
		require.NotNil(t, got)
		assert.Equal(t, 3, got.Retries)
		assert.Nil(t, got.DeliveryMarker)
		assert.Equal(t, 3, got.RetryCount())
	})

	t.Run("terminal marks are final", func(t *testing.T) {
		repo := newRepo(t)
		ids := seed(t, repo,
			newEvent("px-1", "sent", time.Hour),
			newEvent("px-1", "expired", 8*24*time.Hour),
			newEvent("px-1", "failed", time.Hour),
		)

		require.NoError(t, repo.MarkSentBatch(ctx, "", ids[:1], "fbtrace-1"))
		require.NoError(t, repo.MarkExpiredBatch(ctx, "", ids[1:2]))
		require.NoError(t, repo.MarkFailedBatch(ctx, "", ids[2:], "pixel px-1: no destination mapping"))

		count, err := repo.CountUnsent(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		// Neither a retry increment nor a second mark can revive or rewrite them
		require.NoError(t, repo.IncrementRetryBatch(ctx, "", ids, "late"))
		require.NoError(t, repo.MarkSentBatch(ctx, "", ids, "other"))

		claimed, err := repo.ClaimUnsent(ctx, "run-a", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("empty batches are no-ops", func(t *testing.T) {
		repo := newRepo(t)
		assert.NoError(t, repo.MarkExpiredBatch(ctx, "", nil))
		assert.NoError(t, repo.MarkFailedBatch(ctx, "", []int64{}, "x"))
		assert.NoError(t, repo.MarkSentBatch(ctx, "", nil, "m"))
		assert.NoError(t, repo.IncrementRetryBatch(ctx, "", nil, "x"))
		assert.ErrorIs(t, repo.MarkSentBatch(ctx, "", []int64{1}, ""), ErrEmptyMarker)

		held, err := repo.ExtendClaim(ctx, "run-a", nil, time.Minute)
		assert.NoError(t, err)
		assert.Empty(t, held)
	})

	t.Run("mappings upsert and lookup", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.UpsertMapping(ctx, &models.DestinationMapping{PixelID: "px-1", DestinationID: "act_1", Credential: "tok-a"}))
		require.NoError(t, repo.UpsertMapping(ctx, &models.DestinationMapping{PixelID: "px-2", DestinationID: "act_2", Credential: "tok-b"}))
		require.NoError(t, repo.UpsertMapping(ctx, &models.DestinationMapping{PixelID: "px-1", DestinationID: "act_1", Credential: "tok-rotated"}))

		mappings, err := repo.FindPixelTokenMappings(ctx, []string{"px-1", "px-missing"})
		require.NoError(t, err)
		require.Len(t, mappings, 1)
		assert.Equal(t, "tok-rotated", mappings[0].Credential)

		empty, err := repo.FindPixelTokenMappings(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("bulk insert", func(t *testing.T) {
		repo := newRepo(t)
		events := make([]*models.ConversionEvent, 250)
		for i := range events {
			events[i] = newEvent(fmt.Sprintf("px-%d", i%5), fmt.Sprintf("evt-%03d", i), time.Duration(i)*time.Second)
		}
		n, err := repo.InsertEvents(ctx, events)
		require.NoError(t, err)
		assert.Equal(t, int64(250), n)
	})
}
