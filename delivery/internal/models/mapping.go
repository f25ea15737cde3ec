package models

import "time"

// DestinationMapping routes a pixel to a destination account and its credential.
type DestinationMapping struct {
	PixelID       string    `json:"pixel_id"`
	DestinationID string    `json:"destination_id"`
	Credential    string    `json:"credential"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}
