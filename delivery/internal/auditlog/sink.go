package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/telhawk-systems/conversion-relay/common/audit"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

// DefaultIndexPrefix is prepended to the monthly run index name.
const DefaultIndexPrefix = "conversion-delivery-runs"

// RunDocument is the indexed form of a delivery run.
type RunDocument struct {
	Timestamp  time.Time     `json:"@timestamp"`
	RunID      string        `json:"run_id"`
	Trigger    string        `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	DurationMs int64         `json:"duration_ms"`
	Processed  int           `json:"processed"`
	Sent       int           `json:"sent"`
	Expired    int           `json:"expired"`
	Failed     int           `json:"failed"`
	Errors     []string      `json:"errors"`
	Error      string        `json:"error,omitempty"`
	Groups     []GroupRecord `json:"groups,omitempty"`
	Signature  string        `json:"signature,omitempty"`
}

// GroupRecord is one pixel's outcome inside a RunDocument.
type GroupRecord struct {
	PixelID       string              `json:"pixel_id"`
	DestinationID string              `json:"destination_id,omitempty"`
	Sent          int                 `json:"sent"`
	Failed        int                 `json:"failed"`
	TraceID       string              `json:"trace_id,omitempty"`
	Error         string              `json:"error,omitempty"`
	DurationMs    int64               `json:"duration_ms"`
	Failures      map[string][]string `json:"failures,omitempty"`
}

// Sink writes run documents to a monthly index.
type Sink struct {
	client *opensearch.Client
	signer *audit.RunSigner
	prefix string
}

// NewSink creates a sink. signer may be nil to index unsigned documents.
func NewSink(client *opensearch.Client, signer *audit.RunSigner, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}
	return &Sink{client: client, signer: signer, prefix: prefix}
}

// IndexName returns the index a run finishing at t is written to.
func (s *Sink) IndexName(t time.Time) string {
	return fmt.Sprintf("%s-%s", s.prefix, t.UTC().Format("2006.01"))
}

// NewRunDocument builds the document for a report.
func NewRunDocument(report *models.RunReport) *RunDocument {
	summary := report.Summary
	if summary == nil {
		summary = models.NewRunSummary()
	}

	doc := &RunDocument{
		Timestamp:  report.FinishedAt.UTC(),
		RunID:      report.RunID,
		Trigger:    report.Trigger,
		StartedAt:  report.StartedAt.UTC(),
		FinishedAt: report.FinishedAt.UTC(),
		DurationMs: report.Duration().Milliseconds(),
		Processed:  summary.Processed,
		Sent:       summary.Sent,
		Expired:    summary.Expired,
		Failed:     summary.Failed,
		Errors:     summary.Errors,
		Error:      report.Error,
	}
	for _, g := range summary.Groups {
		doc.Groups = append(doc.Groups, GroupRecord{
			PixelID:       g.PixelID,
			DestinationID: g.DestinationID,
			Sent:          g.Sent,
			Failed:        g.Failed,
			TraceID:       g.TraceID,
			Error:         g.Error,
			DurationMs:    g.Duration.Milliseconds(),
			Failures:      g.Failures,
		})
	}
	return doc
}

// SignedPayload returns the bytes covered by the document signature: the
// JSON encoding with the signature field empty.
func (d *RunDocument) SignedPayload() ([]byte, error) {
	unsigned := *d
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

// Record indexes the run. The run id is the document id so a repeated
// write replaces rather than duplicates.
func (s *Sink) Record(ctx context.Context, report *models.RunReport) error {
	doc := NewRunDocument(report)

	if s.signer != nil {
		payload, err := doc.SignedPayload()
		if err != nil {
			return fmt.Errorf("failed to encode run document: %w", err)
		}
		doc.Signature = s.signer.Sign(doc.RunID, doc.FinishedAt, payload)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode run document: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      s.IndexName(doc.FinishedAt),
		DocumentID: doc.RunID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to index run %s: %w", doc.RunID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("opensearch rejected run %s: %s: %s", doc.RunID, res.Status(), bytes.TrimSpace(msg))
	}

	return nil
}
