// Package deststats provides Redis-backed per-destination delivery statistics.
//
// Multiple delivery instances may write concurrently. Stats are updated after
// every run and read by the stats endpoint and relayctl.
//
// Redis Key Structure:
//
//	relay:dest:stats:{destination_id}               - Hash with running totals
//	relay:dest:hourly:{destination_id}:{YYYYMMDDHH} - Events sent in that hour (expires 48h)
//	relay:dest:daily:{destination_id}:{YYYYMMDD}    - Events sent that day (expires 7d)
//	relay:dest:pixels:{destination_id}              - Set of pixels routed to the destination
//	relay:dest:instances:{destination_id}           - Hash of delivery instance -> last seen
package deststats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

const keyPrefix = "relay:dest:"

// Stats represents current delivery statistics for a destination.
type Stats struct {
	DestinationID    string            `json:"destination_id"`
	LastRunAt        *time.Time        `json:"last_run_at,omitempty"`
	LastRunID        string            `json:"last_run_id,omitempty"`
	LastTraceID      string            `json:"last_trace_id,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	TotalSent        int64             `json:"total_sent"`
	TotalFailed      int64             `json:"total_failed"`
	SentLastHour     int64             `json:"sent_last_hour"`
	SentLast24h      int64             `json:"sent_last_24h"`
	Pixels           []string          `json:"pixels,omitempty"`
	Instances        map[string]string `json:"instances,omitempty"`
	StatsRetrievedAt time.Time         `json:"stats_retrieved_at"`
}

// Client records and retrieves destination statistics.
type Client struct {
	redis      redis.UniversalClient
	instanceID string
	now        func() time.Time
}

// NewClient creates a stats client on an existing Redis connection.
// instanceID should be unique per delivery instance (hostname, pod name).
func NewClient(client redis.UniversalClient, instanceID string) *Client {
	return &Client{
		redis:      client,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// RecordRun writes the outcome of every routed group in a run. Groups with
// no destination (unmapped pixels) are skipped.
func (c *Client) RecordRun(ctx context.Context, runID string, groups []models.GroupOutcome) error {
	now := c.now()
	hourKey := now.Format("2006010215")
	dayKey := now.Format("20060102")
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()
	queued := 0
	for _, g := range groups {
		if g.DestinationID == "" {
			continue
		}
		dest := g.DestinationID
		queued++

		statsKey := keyPrefix + "stats:" + dest
		fields := map[string]interface{}{
			"last_run_at": nowUnix,
			"last_run_id": runID,
			"last_error":  g.Error,
		}
		if g.TraceID != "" {
			fields["last_trace_id"] = g.TraceID
		}
		pipe.HSet(ctx, statsKey, fields)
		pipe.HIncrBy(ctx, statsKey, "total_sent", int64(g.Sent))
		pipe.HIncrBy(ctx, statsKey, "total_failed", int64(g.Failed))

		if g.Sent > 0 {
			hourlyKey := fmt.Sprintf("%shourly:%s:%s", keyPrefix, dest, hourKey)
			pipe.IncrBy(ctx, hourlyKey, int64(g.Sent))
			pipe.Expire(ctx, hourlyKey, 48*time.Hour)

			dailyKey := fmt.Sprintf("%sdaily:%s:%s", keyPrefix, dest, dayKey)
			pipe.IncrBy(ctx, dailyKey, int64(g.Sent))
			pipe.Expire(ctx, dailyKey, 7*24*time.Hour)
		}

		pipe.SAdd(ctx, keyPrefix+"pixels:"+dest, g.PixelID)

		instancesKey := keyPrefix + "instances:" + dest
		pipe.HSet(ctx, instancesKey, c.instanceID, nowUnix)
		pipe.Expire(ctx, instancesKey, 24*time.Hour)
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record run stats: %w", err)
	}
	return nil
}

// GetStats retrieves current statistics for a destination.
func (c *Client) GetStats(ctx context.Context, destinationID string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, keyPrefix+"stats:"+destinationID)

	hourlyCmds := make([]*redis.StringCmd, 24)
	for i := range hourlyCmds {
		t := now.Add(-time.Duration(i) * time.Hour)
		hourlyCmds[i] = pipe.Get(ctx, fmt.Sprintf("%shourly:%s:%s", keyPrefix, destinationID, t.Format("2006010215")))
	}

	pixelsCmd := pipe.SMembers(ctx, keyPrefix+"pixels:"+destinationID)
	instancesCmd := pipe.HGetAll(ctx, keyPrefix+"instances:"+destinationID)

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{
		DestinationID:    destinationID,
		Instances:        make(map[string]string),
		StatsRetrievedAt: now,
	}

	if m, err := statsCmd.Result(); err == nil {
		if v, ok := m["last_run_at"]; ok {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				stats.LastRunAt = &t
			}
		}
		stats.LastRunID = m["last_run_id"]
		stats.LastTraceID = m["last_trace_id"]
		stats.LastError = m["last_error"]
		stats.TotalSent, _ = strconv.ParseInt(m["total_sent"], 10, 64)
		stats.TotalFailed, _ = strconv.ParseInt(m["total_failed"], 10, 64)
	}

	// Index 0 is the current hour.
	for i, cmd := range hourlyCmds {
		if v, err := cmd.Int64(); err == nil {
			if i == 0 {
				stats.SentLastHour = v
			}
			stats.SentLast24h += v
		}
	}

	if pixels, err := pixelsCmd.Result(); err == nil {
		stats.Pixels = pixels
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.Instances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

// ListActiveDestinations returns destinations that had a run within since.
func (c *Client) ListActiveDestinations(ctx context.Context, since time.Duration) ([]string, error) {
	var ids []string
	cutoff := c.now().Add(-since).Unix()
	prefix := keyPrefix + "stats:"

	iter := c.redis.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		last, err := c.redis.HGet(ctx, key, "last_run_at").Int64()
		if err == nil && last >= cutoff {
			ids = append(ids, strings.TrimPrefix(key, prefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan destinations: %w", err)
	}

	return ids, nil
}
