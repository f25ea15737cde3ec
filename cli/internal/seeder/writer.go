package seeder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/telhawk-systems/conversion-relay/delivery/pkg/mappingcache"
)

// Writer loads datasets into the delivery database.
type Writer struct {
	pool  *pgxpool.Pool
	cache redis.UniversalClient
}

// NewWriter connects to connString.
func NewWriter(ctx context.Context, connString string) (*Writer, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Writer{pool: pool}, nil
}

// WithMappingCache clears the delivery service's cached mappings for every
// pixel a write upserts.
func (w *Writer) WithMappingCache(client redis.UniversalClient) *Writer {
	w.cache = client
	return w
}

func (w *Writer) Close() {
	w.pool.Close()
}

// Write upserts mappings and copies events in one transaction. It returns
// the number of event rows written.
func (w *Writer) Write(ctx context.Context, ds *Dataset) (int64, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, m := range ds.Mappings {
		batch.Queue(`
			INSERT INTO pixel_token_mappings (pixel_id, destination_id, credential)
			VALUES ($1, $2, $3)
			ON CONFLICT (pixel_id) DO UPDATE
			SET destination_id = EXCLUDED.destination_id,
			    credential = EXCLUDED.credential,
			    updated_at = now()`,
			m.PixelID, m.DestinationID, m.Credential)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("failed to upsert mappings: %w", err)
		}
	}

	rows := make([][]any, 0, len(ds.Events))
	for _, e := range ds.Events {
		rows = append(rows, []any{
			e.EventID, e.PixelID, e.EventName, e.EventTime, e.EventSourceURL,
			e.UserData, e.CustomData, e.RetryCount, e.CreatedAt, e.CreatedAt,
		})
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"conversion_events"},
		[]string{"event_id", "pixel_id", "event_name", "event_time", "event_source_url",
			"user_data", "custom_data", "retry_count", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	if w.cache != nil && len(ds.Mappings) > 0 {
		pixels := make([]string, len(ds.Mappings))
		for i, m := range ds.Mappings {
			pixels[i] = m.PixelID
		}
		if err := mappingcache.Invalidate(ctx, w.cache, pixels...); err != nil {
			return n, fmt.Errorf("seed data written but cached mappings not cleared: %w", err)
		}
	}
	return n, nil
}
