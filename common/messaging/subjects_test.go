package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailedEventsSubject(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{reason: "transport_error", want: "conversions.events.failed.transport_error"},
		{reason: "MAX_RETRIES", want: "conversions.events.failed.max_retries"},
		{reason: "", want: "conversions.events.failed.unknown"},
		{reason: "no.mapping", want: "conversions.events.failed.no_mapping"},
		{reason: "a*b>c d", want: "conversions.events.failed.a_b_c_d"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, FailedEventsSubject(tt.reason))
		})
	}
}

func TestSubjectsShareStreamPrefix(t *testing.T) {
	for _, s := range []string{SubjectConversionRunsCompleted, SubjectConversionEventsFailed} {
		assert.True(t, strings.HasPrefix(s, "conversions."), s)
	}
}
