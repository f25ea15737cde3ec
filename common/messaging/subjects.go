package messaging

import "strings"

// Subject constants for the conversion delivery message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	SubjectConversionRunsCompleted = "conversions.runs.completed" // One message per delivery run
	SubjectConversionEventsFailed  = "conversions.events.failed"  // Append .{reason} for the failure bucket
)

// StreamConversionDelivery is the JetStream stream that captures every
// conversions.* subject.
const StreamConversionDelivery = "CONVERSION_DELIVERY"

// FailedEventsSubject returns the subject for a failure reason.
// Example: conversions.events.failed.transport_error
func FailedEventsSubject(reason string) string {
	reason = strings.TrimSpace(strings.ToLower(reason))
	if reason == "" {
		reason = "unknown"
	}
	reason = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, reason)
	return SubjectConversionEventsFailed + "." + reason
}
