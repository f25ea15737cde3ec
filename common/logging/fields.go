package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the relay.
const (
	FieldService       = "service"
	FieldRequestID     = "request_id"
	FieldRunID         = "run_id"
	FieldPixelID       = "pixel_id"
	FieldDestinationID = "destination_id"
	FieldEventCount    = "event_count"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatus        = "status"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RunID returns a slog attribute for a delivery run id.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// PixelID returns a slog attribute for a pixel routing key.
func PixelID(id string) slog.Attr {
	return slog.String(FieldPixelID, id)
}

// DestinationID returns a slog attribute for a destination account id.
func DestinationID(id string) slog.Attr {
	return slog.String(FieldDestinationID, id)
}

// EventCount returns a slog attribute for a number of events.
func EventCount(n int) slog.Attr {
	return slog.Int(FieldEventCount, n)
}

// Duration returns a slog attribute for d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}
