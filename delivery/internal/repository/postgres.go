package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/telhawk-systems/conversion-relay/common/database"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

const eventColumns = `
	id, event_id, pixel_id, event_name, event_time, event_source_url,
	user_data, custom_data, sent_to_meta, status, retry_count,
	delivery_marker, last_error, claimed_until, claim_token, created_at, updated_at`

func scanEvents(rows pgx.Rows) ([]*models.ConversionEvent, error) {
	defer rows.Close()

	events := []*models.ConversionEvent{}
	for rows.Next() {
		e := &models.ConversionEvent{}
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.PixelID, &e.EventName, &e.EventTime, &e.EventSourceURL,
			&e.UserData, &e.CustomData, &e.SentToMeta, &e.State, &e.Retries,
			&e.DeliveryMarker, &e.LastError, &e.ClaimedUntil, &e.ClaimToken, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// ClaimUnsent leases the oldest unsent events in one statement.
// Rows locked by a concurrent claim are skipped rather than waited on.
func (r *PostgresRepository) ClaimUnsent(ctx context.Context, claim string, limit int, lease time.Duration) ([]*models.ConversionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if claim == "" {
		return nil, ErrEmptyClaim
	}

	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		UPDATE conversion_events
		SET claimed_until = now() + ($2::bigint * interval '1 millisecond'),
		    claim_token = $3,
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM conversion_events
			WHERE sent_to_meta = false
			  AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + eventColumns

	rows, err := r.pool.Query(ctx, query, limit, lease.Milliseconds(), claim)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unsent events: %w", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// ExtendClaim renews the lease on ids still held under claim.
func (r *PostgresRepository) ExtendClaim(ctx context.Context, claim string, ids []int64, lease time.Duration) ([]int64, error) {
	if claim == "" {
		return nil, ErrEmptyClaim
	}
	if len(ids) == 0 {
		return []int64{}, nil
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE conversion_events
		SET claimed_until = now() + ($3::bigint * interval '1 millisecond'),
		    updated_at = now()
		WHERE id = ANY($1) AND sent_to_meta = false AND claim_token = $2
		RETURNING id`

	rows, err := r.pool.Query(ctx, query, ids, claim, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to extend claim: %w", err)
	}

	held, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to read extended claim: %w", err)
	}
	sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
	return held, nil
}

// FindUnsentEvents returns unsent events oldest first without leasing them.
func (r *PostgresRepository) FindUnsentEvents(ctx context.Context, limit int) ([]*models.ConversionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT` + eventColumns + `
		FROM conversion_events
		WHERE sent_to_meta = false
		ORDER BY created_at, id
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find unsent events: %w", err)
	}

	return scanEvents(rows)
}

// MarkExpiredBatch marks events expired.
func (r *PostgresRepository) MarkExpiredBatch(ctx context.Context, claim string, ids []int64) error {
	return r.markTerminal(ctx, claim, ids, models.StatusExpired, models.MarkerExpired, nil)
}

// MarkFailedBatch marks events permanently failed with reason as last error.
func (r *PostgresRepository) MarkFailedBatch(ctx context.Context, claim string, ids []int64, reason string) error {
	return r.markTerminal(ctx, claim, ids, models.StatusFailed, models.MarkerFailed, &reason)
}

// MarkSentBatch marks events delivered under marker.
func (r *PostgresRepository) MarkSentBatch(ctx context.Context, claim string, ids []int64, marker string) error {
	if marker == "" {
		return ErrEmptyMarker
	}
	return r.markTerminal(ctx, claim, ids, models.StatusSent, marker, nil)
}

// markTerminal only touches unsent rows so a terminal state is never rewritten.
func (r *PostgresRepository) markTerminal(ctx context.Context, claim string, ids []int64, status models.Status, marker string, lastError *string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		UPDATE conversion_events
		SET sent_to_meta = true,
		    status = $2,
		    delivery_marker = $3,
		    last_error = COALESCE($4, last_error),
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = ANY($1) AND sent_to_meta = false
		  AND ($5 = '' OR claim_token = $5)`

	if _, err := r.pool.Exec(ctx, query, ids, string(status), marker, lastError, claim); err != nil {
		return fmt.Errorf("failed to mark %d events %s: %w", len(ids), status, err)
	}

	return nil
}

// IncrementRetryBatch folds any legacy RETRY_<n> marker into retry_count,
// adds one and releases the lease.
func (r *PostgresRepository) IncrementRetryBatch(ctx context.Context, claim string, ids []int64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		UPDATE conversion_events
		SET retry_count = GREATEST(
		        retry_count,
		        CASE WHEN delivery_marker ~ '^RETRY_[0-9]+$'
		             THEN substring(delivery_marker FROM 7)::int
		             ELSE 0 END
		    ) + 1,
		    delivery_marker = CASE WHEN delivery_marker ~ '^RETRY_' THEN NULL ELSE delivery_marker END,
		    last_error = $2,
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = ANY($1) AND sent_to_meta = false
		  AND ($3 = '' OR claim_token = $3)`

	if _, err := r.pool.Exec(ctx, query, ids, lastError, claim); err != nil {
		return fmt.Errorf("failed to increment retry for %d events: %w", len(ids), err)
	}

	return nil
}

// FindPixelTokenMappings loads the mappings for pixelIDs in one query.
func (r *PostgresRepository) FindPixelTokenMappings(ctx context.Context, pixelIDs []string) ([]*models.DestinationMapping, error) {
	if len(pixelIDs) == 0 {
		return []*models.DestinationMapping{}, nil
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT pixel_id, destination_id, credential, created_at, updated_at
		FROM pixel_token_mappings
		WHERE pixel_id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, pixelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find pixel mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*models.DestinationMapping{}
	for rows.Next() {
		m := &models.DestinationMapping{}
		if err := rows.Scan(&m.PixelID, &m.DestinationID, &m.Credential, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return mappings, nil
}

// InsertEvents inserts events in one batch round trip.
func (r *PostgresRepository) InsertEvents(ctx context.Context, events []*models.ConversionEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		INSERT INTO conversion_events (
			event_id, pixel_id, event_name, event_time, event_source_url,
			user_data, custom_data, retry_count, delivery_marker, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		ON CONFLICT (pixel_id, event_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		var createdAt *time.Time
		if !e.CreatedAt.IsZero() {
			createdAt = &e.CreatedAt
		}
		batch.Queue(query,
			e.EventID, e.PixelID, e.EventName, e.EventTime, e.EventSourceURL,
			nonNilMap(e.UserData), nonNilMap(e.CustomData), e.Retries, e.DeliveryMarker, createdAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert event: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	return inserted, nil
}

// UpsertMapping creates or replaces the mapping for m.PixelID.
func (r *PostgresRepository) UpsertMapping(ctx context.Context, m *models.DestinationMapping) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO pixel_token_mappings (pixel_id, destination_id, credential)
		VALUES ($1, $2, $3)
		ON CONFLICT (pixel_id) DO UPDATE
		SET destination_id = EXCLUDED.destination_id,
		    credential = EXCLUDED.credential,
		    updated_at = now()`

	if _, err := r.pool.Exec(ctx, query, m.PixelID, m.DestinationID, m.Credential); err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	return nil
}

// CountUnsent returns the delivery backlog size.
func (r *PostgresRepository) CountUnsent(ctx context.Context) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversion_events WHERE sent_to_meta = false`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unsent events: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
