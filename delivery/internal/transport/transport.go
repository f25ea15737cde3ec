// Package transport delivers batches of normalized events to a destination.
package transport

import (
	"context"

	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// SendResult is the destination's acknowledgement of a batch.
type SendResult struct {
	TraceID        string
	EventsReceived int
}

// Transport sends one batch for one destination per call. Any returned
// error means the whole batch is undelivered.
type Transport interface {
	SendEvents(ctx context.Context, credential, destinationID string, events []models.NormalizedEvent) (*SendResult, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, credential, destinationID string, events []models.NormalizedEvent) (*SendResult, error)

// SendEvents calls f.
func (f Func) SendEvents(ctx context.Context, credential, destinationID string, events []models.NormalizedEvent) (*SendResult, error) {
	return f(ctx, credential, destinationID, events)
}
