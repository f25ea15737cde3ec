// Package repository provides event and mapping storage for the delivery service.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

var (
	// ErrInvalidLimit is returned when a batch limit is not positive.
	ErrInvalidLimit = errors.New("limit must be positive")

	// ErrEmptyMarker is returned when a sent mark carries no marker.
	ErrEmptyMarker = errors.New("delivery marker must not be empty")

	// ErrEmptyClaim is returned when a lease is requested without a claim token.
	ErrEmptyClaim = errors.New("claim token must not be empty")
)

// EventStore is the persistence contract the orchestrator depends on.
// Batch marks with an empty id list are no-ops.
//
// claim is the token a run passes to ClaimUnsent. Marks and extensions with
// a non-empty claim only touch rows still held under that token, so a run
// that lost its lease to a later run cannot overwrite the later run's work.
// An empty claim matches any unsent row.
type EventStore interface {
	// ClaimUnsent leases up to limit unsent events under claim, oldest first.
	// Events under an unexpired lease are skipped.
	ClaimUnsent(ctx context.Context, claim string, limit int, lease time.Duration) ([]*models.ConversionEvent, error)

	// ExtendClaim renews the lease on ids still held under claim and returns
	// those ids. Events re-claimed by another run are left out.
	ExtendClaim(ctx context.Context, claim string, ids []int64, lease time.Duration) ([]int64, error)

	// FindUnsentEvents returns up to limit unsent events, oldest first, without leasing.
	FindUnsentEvents(ctx context.Context, limit int) ([]*models.ConversionEvent, error)

	MarkExpiredBatch(ctx context.Context, claim string, ids []int64) error
	MarkFailedBatch(ctx context.Context, claim string, ids []int64, reason string) error
	MarkSentBatch(ctx context.Context, claim string, ids []int64, marker string) error

	// IncrementRetryBatch bumps retry_count by one and records lastError.
	// The events stay unsent and their lease is released.
	IncrementRetryBatch(ctx context.Context, claim string, ids []int64, lastError string) error

	// FindPixelTokenMappings returns the mappings that exist for pixelIDs.
	// Pixels without a mapping are simply absent from the result.
	FindPixelTokenMappings(ctx context.Context, pixelIDs []string) ([]*models.DestinationMapping, error)
}

// Repository is the full storage surface of the delivery service.
type Repository interface {
	EventStore

	// InsertEvents stores new events, skipping (pixel_id, event_id) duplicates.
	// It returns the number of rows inserted.
	InsertEvents(ctx context.Context, events []*models.ConversionEvent) (int64, error)
	UpsertMapping(ctx context.Context, m *models.DestinationMapping) error
	CountUnsent(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
