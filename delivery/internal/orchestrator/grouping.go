package orchestrator

import (
	"sort"
	"time"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// pixelGroup is the events of one pixel in pull order.
type pixelGroup struct {
	pixelID string
	events  []*models.ConversionEvent
}

// partitionStale splits events into those at least staleAfter old at ref and the rest.
func partitionStale(events []*models.ConversionEvent, ref time.Time, staleAfter time.Duration) (stale, active []*models.ConversionEvent) {
	for _, e := range events {
		if e.IsStale(ref, staleAfter) {
			stale = append(stale, e)
		} else {
			active = append(active, e)
		}
	}
	return stale, active
}

// groupByPixel groups events by pixel id, ordered by pixel id.
func groupByPixel(events []*models.ConversionEvent) []pixelGroup {
	index := make(map[string]int)
	groups := make([]pixelGroup, 0)
	for _, e := range events {
		i, ok := index[e.PixelID]
		if !ok {
			i = len(groups)
			index[e.PixelID] = i
			groups = append(groups, pixelGroup{pixelID: e.PixelID})
		}
		groups[i].events = append(groups[i].events, e)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].pixelID < groups[j].pixelID })
	return groups
}

// pixelIDs returns the sorted pixel ids of groups.
func pixelIDs(groups []pixelGroup) []string {
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.pixelID
	}
	return ids
}

// splitExhausted separates events that reached maxRetries from those still sendable.
func splitExhausted(events []*models.ConversionEvent, maxRetries int) (exhausted, sendable []*models.ConversionEvent) {
	for _, e := range events {
		if e.RetryCount() >= maxRetries {
			exhausted = append(exhausted, e)
		} else {
			sendable = append(sendable, e)
		}
	}
	return exhausted, sendable
}

func normalize(events []*models.ConversionEvent) []models.NormalizedEvent {
	out := make([]models.NormalizedEvent, len(events))
	for i, e := range events {
		out[i] = e.Normalize()
	}
	return out
}
