// Package mapping resolves pixel ids to destination accounts and credentials.
package mapping

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// Resolver maps a set of pixel ids to their destinations in one call.
// Pixels without a mapping are absent from the result.
type Resolver interface {
	Resolve(ctx context.Context, pixelIDs []string) (map[string]*models.DestinationMapping, error)
}

// MappingFinder is the store capability StoreResolver needs.
type MappingFinder interface {
	FindPixelTokenMappings(ctx context.Context, pixelIDs []string) ([]*models.DestinationMapping, error)
}

// StoreResolver resolves mappings straight from the event store.
type StoreResolver struct {
	store MappingFinder
}

// NewStoreResolver creates a resolver backed by store.
func NewStoreResolver(store MappingFinder) *StoreResolver {
	return &StoreResolver{store: store}
}

// Resolve performs a single store lookup for all pixelIDs.
func (r *StoreResolver) Resolve(ctx context.Context, pixelIDs []string) (map[string]*models.DestinationMapping, error) {
	out := make(map[string]*models.DestinationMapping, len(pixelIDs))
	if len(pixelIDs) == 0 {
		return out, nil
	}

	mappings, err := r.store.FindPixelTokenMappings(ctx, pixelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination mappings: %w", err)
	}

	for _, m := range mappings {
		out[m.PixelID] = m
	}
	return out, nil
}
