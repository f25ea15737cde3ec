// Package audit signs delivery run records so tampering in the audit index
// can be detected.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RunSigner produces HMAC-SHA256 signatures over run records.
type RunSigner struct {
	secretKey []byte
}

// NewRunSigner creates a signer using secretKey.
func NewRunSigner(secretKey string) *RunSigner {
	return &RunSigner{
		secretKey: []byte(secretKey),
	}
}

// Sign returns the hex signature of a run record.
func (s *RunSigner) Sign(runID string, finishedAt time.Time, data []byte) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(finishedAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches the run record.
func (s *RunSigner) Verify(runID string, finishedAt time.Time, data []byte, signature string) bool {
	expected := s.Sign(runID, finishedAt, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}
