package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestConversionEvent_IsStale(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		createdAt  time.Time
		staleAfter time.Duration
		sent       bool
		want       bool
	}{
		{name: "fresh", createdAt: now.Add(-time.Hour), want: false},
		{name: "just under threshold", createdAt: now.Add(-StaleAfter + time.Second), want: false},
		{name: "exactly at threshold", createdAt: now.Add(-StaleAfter), want: true},
		{name: "well past threshold", createdAt: now.Add(-30 * 24 * time.Hour), want: true},
		{name: "sent events are never stale", createdAt: now.Add(-30 * 24 * time.Hour), sent: true, want: false},
		{name: "custom threshold", createdAt: now.Add(-2 * time.Hour), staleAfter: time.Hour, want: true},
		{name: "custom threshold not reached", createdAt: now.Add(-30 * time.Minute), staleAfter: time.Hour, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ConversionEvent{CreatedAt: tt.createdAt, SentToMeta: tt.sent}
			assert.Equal(t, tt.want, e.IsStale(now, tt.staleAfter))
		})
	}
}

func TestConversionEvent_HeldBy(t *testing.T) {
	e := &ConversionEvent{}
	assert.True(t, e.HeldBy(""))
	assert.False(t, e.HeldBy("run-a"))

	e.ClaimToken = strPtr("run-a")
	assert.True(t, e.HeldBy("run-a"))
	assert.False(t, e.HeldBy("run-b"))
}

func TestConversionEvent_RetryCount(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		marker  *string
		want    int
	}{
		{name: "no marker", want: 0},
		{name: "explicit counter", retries: 2, want: 2},
		{name: "legacy marker", marker: strPtr("RETRY_2"), want: 2},
		{name: "legacy marker above counter", retries: 1, marker: strPtr("RETRY_3"), want: 3},
		{name: "counter above legacy marker", retries: 4, marker: strPtr("RETRY_1"), want: 4},
		{name: "trace id marker", marker: strPtr("AbCdEf123"), want: 0},
		{name: "sent marker", marker: strPtr("SENT_1700000000000"), want: 0},
		{name: "malformed retry marker", marker: strPtr("RETRY_x"), want: 0},
		{name: "negative retry marker", marker: strPtr("RETRY_-2"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ConversionEvent{Retries: tt.retries, DeliveryMarker: tt.marker}
			assert.Equal(t, tt.want, e.RetryCount())
		})
	}
}

func TestConversionEvent_Status(t *testing.T) {
	assert.Equal(t, StatusUnsent, (&ConversionEvent{}).Status())
	assert.Equal(t, StatusSent, (&ConversionEvent{SentToMeta: true}).Status())
	assert.Equal(t, StatusExpired, (&ConversionEvent{SentToMeta: true, State: StatusExpired}).Status())

	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusUnsent.IsTerminal())
}

func TestConversionEvent_Normalize(t *testing.T) {
	eventTime := time.Unix(1700000000, 0)
	e := &ConversionEvent{
		ID:             42,
		EventID:        "evt-abc",
		PixelID:        "px-1",
		EventName:      "Purchase",
		EventTime:      eventTime,
		EventSourceURL: "https://shop.example.com/checkout",
		UserData:       map[string]any{"em": "hashed"},
		CustomData:     map[string]any{"value": 19.99, "currency": "USD"},
	}

	n := e.Normalize()

	assert.Equal(t, "evt-abc", n.EventID)
	assert.Equal(t, "Purchase", n.EventName)
	assert.Equal(t, int64(1700000000), n.EventTime)
	assert.Equal(t, ActionSource, n.ActionSource)
	assert.Equal(t, "hashed", n.UserData["em"])
	assert.Equal(t, "USD", n.CustomData["currency"])
}

func TestSentMarker(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "SENT_1700000000123", SentMarker(at))
	assert.Equal(t, 0, ParseRetryMarker(strPtr(SentMarker(at))))
}

func TestRunSummary_Merge(t *testing.T) {
	s := NewRunSummary()
	s.Merge(&RunSummary{Processed: 3, Sent: 2, Failed: 1, Errors: []string{"d1: boom"}})
	s.Merge(&RunSummary{Processed: 1, Expired: 1, Errors: []string{}})
	s.Merge(nil)

	assert.Equal(t, 4, s.Processed)
	assert.Equal(t, 4, s.Accounted())
	assert.Equal(t, []string{"d1: boom"}, s.Errors)
	assert.NotNil(t, NewRunSummary().Errors)
}

func TestGroupOutcome_AddFailures(t *testing.T) {
	var g GroupOutcome
	g.AddFailures(ReasonTransport, nil)
	assert.Nil(t, g.Failures)

	g.AddFailures(ReasonTransport, []*ConversionEvent{{EventID: "a"}, {EventID: "b"}})
	assert.Equal(t, []string{"a", "b"}, g.Failures[ReasonTransport])
}

func TestEventIDs(t *testing.T) {
	ids := EventIDs([]*ConversionEvent{{ID: 3}, {ID: 1}})
	assert.Equal(t, []int64{3, 1}, ids)
}
