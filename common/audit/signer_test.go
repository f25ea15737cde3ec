package audit

import (
	"testing"
	"time"
)

func TestNewRunSigner(t *testing.T) {
	signer := NewRunSigner("test-secret-key")

	if signer == nil {
		t.Fatal("expected non-nil signer")
	}

	if string(signer.secretKey) != "test-secret-key" {
		t.Errorf("expected secret key %q, got %q", "test-secret-key", string(signer.secretKey))
	}
}

func TestRunSigner_Sign(t *testing.T) {
	signer := NewRunSigner("test-secret")
	finished := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	data := []byte(`{"processed":3}`)

	signature := signer.Sign("run-123", finished, data)

	if len(signature) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(signature))
	}

	if signature != signer.Sign("run-123", finished, data) {
		t.Error("expected deterministic signatures for same input")
	}

	if signature == signer.Sign("run-456", finished, data) {
		t.Error("expected different signatures for different run IDs")
	}

	if signature == signer.Sign("run-123", finished.Add(time.Second), data) {
		t.Error("expected different signatures for different timestamps")
	}

	if signature == NewRunSigner("other-secret").Sign("run-123", finished, data) {
		t.Error("expected different signatures for different keys")
	}

	// Field boundaries are part of the signed input.
	if signer.Sign("run-1", finished, []byte("23")) == signer.Sign("run-12", finished, []byte("3")) {
		t.Error("expected run id and data to be separated")
	}
}

func TestRunSigner_SignNormalizesZone(t *testing.T) {
	signer := NewRunSigner("test-secret")
	utc := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	local := utc.In(time.FixedZone("EST", -5*60*60))

	if signer.Sign("run-1", utc, nil) != signer.Sign("run-1", local, nil) {
		t.Error("expected the same instant to sign identically in any zone")
	}
}

func TestRunSigner_Verify(t *testing.T) {
	signer := NewRunSigner("test-secret")
	finished := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	data := []byte(`{"sent":2}`)
	signature := signer.Sign("run-1", finished, data)

	tests := []struct {
		name      string
		runID     string
		data      []byte
		signature string
		want      bool
	}{
		{"valid", "run-1", data, signature, true},
		{"tampered data", "run-1", []byte(`{"sent":3}`), signature, false},
		{"wrong run", "run-2", data, signature, false},
		{"bad signature", "run-1", data, "deadbeef", false},
		{"empty signature", "run-1", data, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signer.Verify(tt.runID, finished, tt.data, tt.signature); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
