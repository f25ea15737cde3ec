package auditlog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/conversion-relay/common/audit"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/models"
)

type indexedDoc struct {
	method string
	path   string
	body   []byte
}

func newTestSink(t *testing.T, status int, signer *audit.RunSigner) (*Sink, *[]indexedDoc) {
	t.Helper()

	var mu sync.Mutex
	var docs []indexedDoc
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		docs = append(docs, indexedDoc{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := opensearch.NewClient(opensearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	return NewSink(client, signer, ""), &docs
}

func testReport() *models.RunReport {
	start := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	s := models.NewRunSummary()
	s.Processed = 3
	s.Sent = 2
	s.Failed = 1
	s.Errors = []string{"dest-2: request timed out"}
	s.Groups = []models.GroupOutcome{
		{PixelID: "px-1", DestinationID: "dest-1", Sent: 2, TraceID: "trace-1", Duration: 250 * time.Millisecond},
		{PixelID: "px-2", DestinationID: "dest-2", Error: "dest-2: request timed out"},
	}
	return &models.RunReport{
		RunID:      "run-1",
		Trigger:    models.TriggerScheduler,
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Summary:    s,
	}
}

func TestSink_IndexName(t *testing.T) {
	sink := NewSink(nil, nil, "")
	assert.Equal(t, "conversion-delivery-runs-2026.04", sink.IndexName(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)))

	custom := NewSink(nil, nil, "relay-audit")
	assert.Equal(t, "relay-audit-2025.12", custom.IndexName(time.Date(2025, 12, 9, 0, 0, 0, 0, time.UTC)))
}

func TestSink_Record(t *testing.T) {
	signer := audit.NewRunSigner("audit-secret")
	sink, docs := newTestSink(t, http.StatusCreated, signer)

	require.NoError(t, sink.Record(context.Background(), testReport()))
	require.Len(t, *docs, 1)

	got := (*docs)[0]
	assert.Equal(t, http.MethodPut, got.method)
	// Finished after midnight, so the April index.
	assert.Equal(t, "/conversion-delivery-runs-2026.04/_doc/run-1", got.path)

	var doc RunDocument
	require.NoError(t, json.Unmarshal(got.body, &doc))
	assert.Equal(t, "run-1", doc.RunID)
	assert.Equal(t, int64(2000), doc.DurationMs)
	assert.Equal(t, 2, doc.Sent)
	require.Len(t, doc.Groups, 2)
	assert.Equal(t, int64(250), doc.Groups[0].DurationMs)
	require.NotEmpty(t, doc.Signature)

	payload, err := doc.SignedPayload()
	require.NoError(t, err)
	assert.True(t, signer.Verify(doc.RunID, doc.FinishedAt, payload, doc.Signature))

	doc.Sent = 3
	payload, err = doc.SignedPayload()
	require.NoError(t, err)
	assert.False(t, signer.Verify(doc.RunID, doc.FinishedAt, payload, doc.Signature))
}

func TestSink_Record_Unsigned(t *testing.T) {
	sink, docs := newTestSink(t, http.StatusOK, nil)

	require.NoError(t, sink.Record(context.Background(), &models.RunReport{
		RunID:      "run-2",
		FinishedAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Error:      "claim failed",
	}))
	require.Len(t, *docs, 1)

	var doc RunDocument
	require.NoError(t, json.Unmarshal((*docs)[0].body, &doc))
	assert.Empty(t, doc.Signature)
	assert.Equal(t, "claim failed", doc.Error)
	assert.Equal(t, []string{}, doc.Errors)
}

func TestSink_Record_Rejected(t *testing.T) {
	sink, _ := newTestSink(t, http.StatusBadRequest, nil)

	err := sink.Record(context.Background(), testReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
