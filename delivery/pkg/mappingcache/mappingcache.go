// Package mappingcache names the Redis keys holding cached pixel mappings.
// Anything that rewrites pixel_token_mappings outside the delivery service
// clears the affected keys with Invalidate.
package mappingcache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Prefix starts every cached mapping key.
const Prefix = "relay:mapping:"

// Key returns the cache key for pixelID.
func Key(pixelID string) string {
	return Prefix + pixelID
}

// Invalidate drops the cached mappings of pixelIDs.
func Invalidate(ctx context.Context, client redis.UniversalClient, pixelIDs ...string) error {
	if len(pixelIDs) == 0 {
		return nil
	}
	keys := make([]string, len(pixelIDs))
	for i, id := range pixelIDs {
		keys[i] = Key(id)
	}
	return client.Del(ctx, keys...).Err()
}
