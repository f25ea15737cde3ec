package mapping

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/telhawk-systems/conversion-relay/common/logging"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
	"github.com/telhawk-systems/conversion-relay/delivery/pkg/mappingcache"
)

// CachedResolver is a Redis read-through cache in front of another Resolver.
//
// Only found mappings are cached, so a pixel that gains a mapping is picked
// up on the next run. Writers outside this service clear entries with
// mappingcache.Invalidate. Redis failures fall back to the wrapped resolver.
type CachedResolver struct {
	next   Resolver
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps next with a Redis cache of the given TTL.
func NewCachedResolver(next Resolver, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	return &CachedResolver{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logging.OrDefault(logger),
	}
}

// Resolve serves cached mappings with one MGET and fills misses from next.
func (c *CachedResolver) Resolve(ctx context.Context, pixelIDs []string) (map[string]*models.DestinationMapping, error) {
	out := make(map[string]*models.DestinationMapping, len(pixelIDs))
	if len(pixelIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(pixelIDs))
	for i, id := range pixelIDs {
		keys[i] = mappingcache.Key(id)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.WarnContext(ctx, "mapping cache unavailable, reading through",
			logging.Error(err))
		return c.next.Resolve(ctx, pixelIDs)
	}

	misses := make([]string, 0, len(pixelIDs))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			misses = append(misses, pixelIDs[i])
			continue
		}
		var m models.DestinationMapping
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			misses = append(misses, pixelIDs[i])
			continue
		}
		out[pixelIDs[i]] = &m
	}

	if len(misses) == 0 {
		return out, nil
	}

	found, err := c.next.Resolve(ctx, misses)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for id, m := range found {
		out[id] = m
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		pipe.Set(ctx, mappingcache.Key(id), data, c.ttl)
	}
	if len(found) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.WarnContext(ctx, "failed to fill mapping cache",
				logging.Error(err),
				slog.Int("mappings", len(found)))
		}
	}

	return out, nil
}
