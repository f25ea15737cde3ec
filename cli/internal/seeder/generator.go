// Package seeder generates fake conversion events and pixel mappings for
// local development and load testing.
package seeder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Config controls a generated dataset.
type Config struct {
	Count  int
	Pixels int

	// Unmapped is how many of the pixels get no destination mapping.
	Unmapped int

	// StaleFraction of events are created older than StaleAfter.
	StaleFraction float64

	// ExhaustedFraction of events start at MaxRetries attempts.
	ExhaustedFraction float64

	StaleAfter time.Duration
	MaxRetries int
	Seed       int64
	Now        time.Time
}

// DefaultConfig returns the seeder defaults.
func DefaultConfig() Config {
	return Config{
		Count:      500,
		Pixels:     5,
		StaleAfter: 7 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// Validate checks the config before generation.
func (c Config) Validate() error {
	switch {
	case c.Count <= 0:
		return fmt.Errorf("count must be positive")
	case c.Pixels <= 0:
		return fmt.Errorf("pixels must be positive")
	case c.Unmapped < 0 || c.Unmapped > c.Pixels:
		return fmt.Errorf("unmapped must be between 0 and %d", c.Pixels)
	case c.StaleFraction < 0 || c.StaleFraction > 1:
		return fmt.Errorf("stale fraction must be between 0 and 1")
	case c.ExhaustedFraction < 0 || c.ExhaustedFraction > 1:
		return fmt.Errorf("exhausted fraction must be between 0 and 1")
	case c.StaleFraction+c.ExhaustedFraction > 1:
		return fmt.Errorf("stale and exhausted fractions must not sum past 1")
	case c.MaxRetries <= 0:
		return fmt.Errorf("max retries must be positive")
	case c.StaleAfter <= 0:
		return fmt.Errorf("stale-after must be positive")
	}
	return nil
}

// Event is one generated conversion event row.
type Event struct {
	EventID        string
	PixelID        string
	EventName      string
	EventTime      time.Time
	EventSourceURL string
	UserData       map[string]any
	CustomData     map[string]any
	RetryCount     int
	CreatedAt      time.Time
}

// Mapping is one generated pixel to destination row.
type Mapping struct {
	PixelID       string
	DestinationID string
	Credential    string
}

// Dataset is the output of Generate.
type Dataset struct {
	Events    []Event
	Mappings  []Mapping
	Stale     int
	Exhausted int
}

var eventNames = []string{"Purchase", "Lead", "AddToCart", "InitiateCheckout", "CompleteRegistration", "ViewContent"}

// Generate builds a deterministic dataset for cfg.Seed.
func Generate(cfg Config) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	f := gofakeit.New(cfg.Seed)

	pixels := make([]string, cfg.Pixels)
	for i := range pixels {
		pixels[i] = f.DigitN(15)
	}

	ds := &Dataset{}
	for _, px := range pixels[:cfg.Pixels-cfg.Unmapped] {
		ds.Mappings = append(ds.Mappings, Mapping{
			PixelID:       px,
			DestinationID: "act_" + f.DigitN(12),
			Credential:    "EAAB" + f.LetterN(60),
		})
	}

	staleCount := int(float64(cfg.Count) * cfg.StaleFraction)
	exhaustedCount := int(float64(cfg.Count) * cfg.ExhaustedFraction)

	for i := 0; i < cfg.Count; i++ {
		created := now.Add(-time.Duration(f.Number(1, 3600)) * time.Second)
		retries := f.Number(0, cfg.MaxRetries-1)

		switch {
		case i < staleCount:
			created = now.Add(-cfg.StaleAfter - time.Duration(f.Number(1, 72))*time.Hour)
			ds.Stale++
		case i < staleCount+exhaustedCount:
			retries = cfg.MaxRetries
			ds.Exhausted++
		}

		ds.Events = append(ds.Events, generateEvent(f, pixels[i%len(pixels)], created, retries))
	}

	return ds, nil
}

func generateEvent(f *gofakeit.Faker, pixelID string, created time.Time, retries int) Event {
	name := f.RandomString(eventNames)
	domain := f.DomainName()

	custom := map[string]any{
		"content_ids": []string{f.UUID()},
	}
	if name == "Purchase" || name == "InitiateCheckout" || name == "AddToCart" {
		custom["currency"] = f.CurrencyShort()
		custom["value"] = f.Price(5, 500)
	}

	return Event{
		EventID:        f.UUID(),
		PixelID:        pixelID,
		EventName:      name,
		EventTime:      created.Add(-time.Duration(f.Number(0, 30)) * time.Second).Truncate(time.Second),
		EventSourceURL: fmt.Sprintf("https://%s/%s", domain, strings.ToLower(f.Word())),
		UserData: map[string]any{
			"em":                []string{hashNormalized(f.Email())},
			"ph":                []string{hashNormalized(f.Phone())},
			"client_ip_address": f.IPv4Address(),
			"client_user_agent": f.UserAgent(),
			"fbp":               fmt.Sprintf("fb.1.%d.%s", created.UnixMilli(), f.DigitN(10)),
		},
		CustomData: custom,
		RetryCount: retries,
		CreatedAt:  created,
	}
}

// hashNormalized returns the lowercase trimmed SHA-256 hex form expected for
// customer identifiers.
func hashNormalized(v string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(v))))
	return hex.EncodeToString(sum[:])
}
