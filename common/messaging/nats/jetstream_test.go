package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/conversion-relay/common/messaging"
	"github.com/telhawk-systems/conversion-relay/common/testutil"
)

func newTestJetStream(t *testing.T) *JetStreamClient {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = testutil.StartEmbeddedNATS(t)
	cfg.ReconnectWait = 10 * time.Millisecond

	client, err := NewJetStreamClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestJetStreamClient_PublishMsg(t *testing.T) {
	client := newTestJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.CreateOrUpdateStream(ctx, ConversionDeliveryStream)
	require.NoError(t, err)

	err = client.PublishMsg(ctx, &messaging.Message{
		Subject:  messaging.SubjectConversionRunsCompleted,
		Data:     []byte(`{"processed":3}`),
		ID:       "run-1",
		Metadata: map[string]string{"Run-Id": "run-1"},
	})
	require.NoError(t, err)

	// Same ID inside the duplicate window is dropped by the stream.
	err = client.PublishMsg(ctx, &messaging.Message{
		Subject: messaging.SubjectConversionRunsCompleted,
		Data:    []byte(`{"processed":3}`),
		ID:      "run-1",
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, messaging.FailedEventsSubject("max_retries"), []byte(`{}`)))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	msg, err := stream.GetLastMsgForSubject(ctx, messaging.SubjectConversionRunsCompleted)
	require.NoError(t, err)
	assert.Equal(t, "run-1", msg.Header.Get("Run-Id"))
}

func TestJetStreamClient_PublishWithoutStream(t *testing.T) {
	client := newTestJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Publish(ctx, "conversions.runs.completed", []byte(`{}`))
	assert.Error(t, err)
}

func TestClient_IsConnected(t *testing.T) {
	client := newTestJetStream(t)
	assert.True(t, client.IsConnected())
}

func TestNewClient_BadURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxReconnects = 0

	_, err := NewClient(cfg)
	assert.Error(t, err)
}
