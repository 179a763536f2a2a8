package simcloud

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcloud-ai/simcloud-go/internal/simtest"
	"github.com/simcloud-ai/simcloud-go/pkg/auth"
	"github.com/simcloud-ai/simcloud-go/pkg/event"
	"github.com/simcloud-ai/simcloud-go/pkg/resource"
)

func newTestClient(t *testing.T, server *simtest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		ServerURL:      server.URL(),
		Tokens:         auth.StaticToken("test-token"),
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func waitReady(t *testing.T, r *resource.Resource) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com"},
		{"garbage", "://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(Config{ServerURL: tt.url, DisableEvents: true})
			assert.Error(t, err)
		})
	}
}

func TestPredictionBecomesReadyFromEvent(t *testing.T) {
	server := simtest.New(simtest.WithToken("test-token"))
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("geometries", map[string]any{"id": "geom-1", "state": "successful"})
	geometry, err := client.Geometries().Get(context.Background(), "geom-1")
	require.NoError(t, err)
	require.True(t, geometry.IsReady())

	pred, err := client.Predictions().Run(context.Background(), "geom-1",
		map[string]any{"velocity": 12.5})
	require.NoError(t, err)
	assert.True(t, pred.IsPending())

	record := map[string]any{"id": pred.ID(), "state": "successful", "velocity": 12.5}
	server.EmitJob("prediction", pred.ID(), "successful", record, "")

	waitReady(t, pred)
	assert.True(t, pred.IsReady())
	assert.False(t, pred.HasFailed())
	assert.Equal(t, record, pred.Fields())
}

func TestPredictionFailureSurfacesThroughWait(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("geometries", map[string]any{"id": "geom-1", "state": "successful"})
	pred, err := client.Predictions().Run(context.Background(), "geom-1", nil)
	require.NoError(t, err)

	server.EmitJob("prediction", pred.ID(), "failure", nil, "quota exceeded")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = pred.Wait(ctx)
	require.Error(t, err)
	assert.True(t, resource.IsFailed(err))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestWaitAll_AggregatesAllFailures(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("geometries", map[string]any{"id": "geom-1", "state": "successful"})

	var preds []*resource.Resource
	for n := 0; n < 3; n++ {
		pred, err := client.Predictions().Run(context.Background(), "geom-1", nil)
		require.NoError(t, err)
		preds = append(preds, pred)
	}

	server.EmitJob("prediction", preds[0].ID(), "failure", nil, "diverged")
	server.EmitJob("prediction", preds[1].ID(), "successful", nil, "")
	server.EmitJob("prediction", preds[2].ID(), "rejected", nil, "bad mesh")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.WaitAll(ctx)
	require.Error(t, err)

	// The aggregate names exactly the two failures; the success is absent.
	assert.Contains(t, err.Error(), preds[0].ID())
	assert.Contains(t, err.Error(), "diverged")
	assert.Contains(t, err.Error(), preds[2].ID())
	assert.Contains(t, err.Error(), "bad mesh")
	assert.NotContains(t, err.Error(), preds[1].ID())

	// All three reached a terminal state before WaitAll returned.
	for _, pred := range preds {
		assert.False(t, pred.IsPending())
	}
}

func TestWaitAll_SingleFailureReturnedDirectly(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("geometries", map[string]any{"id": "geom-1", "state": "successful"})
	pred, err := client.Predictions().Run(context.Background(), "geom-1", nil)
	require.NoError(t, err)

	server.EmitJob("prediction", pred.ID(), "cancelled", nil, "user abort")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.WaitAll(ctx)
	var failed *resource.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, pred.ID(), failed.ID)
	assert.Equal(t, event.TargetPrediction, failed.Kind)
}

func TestWaitAll_NothingPending(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	assert.NoError(t, client.WaitAll(context.Background()))
}

func TestGeometryUploadLifecycle(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	geometry, err := client.Geometries().Upload(context.Background(),
		"wing.stl", strings.NewReader("solid wing"))
	require.NoError(t, err)
	assert.False(t, geometry.UploadComplete())
	assert.True(t, geometry.IsPending())

	server.EmitResource("geometry", geometry.ID(), "created", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, geometry.WaitUploadComplete(ctx))
	assert.True(t, geometry.IsPending(), "processing has not finished yet")

	server.EmitJob("geometry", geometry.ID(), "successful", nil, "")
	waitReady(t, geometry)
}

func TestGetReturnsSameInstanceAsEvents(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("predictions", map[string]any{"id": "pred-1", "state": "queued"})

	first, err := client.Predictions().Get(context.Background(), "pred-1")
	require.NoError(t, err)
	second, err := client.Predictions().Get(context.Background(), "pred-1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	server.EmitJob("prediction", "pred-1", "successful", nil, "")
	waitReady(t, first)
	assert.True(t, second.IsReady(), "both handles observe the same state")
}

func TestDelete_UnblocksWaiter(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("predictions", map[string]any{"id": "pred-1", "state": "queued"})
	pred, err := client.Predictions().Get(context.Background(), "pred-1")
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- pred.Wait(context.Background())
	}()

	require.NoError(t, client.Predictions().Delete(context.Background(), "pred-1"))

	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter still blocked after delete")
	}

	reg, ok := client.Registry(event.TargetPrediction)
	require.True(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestForeignAndMalformedEventsAreIgnored(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("predictions", map[string]any{"id": "pred-1", "state": "queued"})
	pred, err := client.Predictions().Get(context.Background(), "pred-1")
	require.NoError(t, err)

	server.EmitRaw([]byte("not json"))
	server.EmitJob("prediction", "someone-elses-prediction", "successful", nil, "")
	server.EmitJob("hologram", "h-1", "successful", nil, "")
	server.EmitRaw([]byte(`{"type":"session","status":"started"}`))
	server.EmitJob("prediction", pred.ID(), "successful", nil, "")

	waitReady(t, pred)

	reg, _ := client.Registry(event.TargetPrediction)
	assert.Equal(t, 1, reg.Len(), "no entry materialized for foreign ids")
}

func TestClientSurvivesFeedDisconnect(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("predictions", map[string]any{"id": "pred-1", "state": "queued"})
	pred, err := client.Predictions().Get(context.Background(), "pred-1")
	require.NoError(t, err)

	// Confirm the stream is live by observing a progress event, then cut it.
	server.EmitJob("prediction", pred.ID(), "processing",
		map[string]any{"id": pred.ID(), "state": "processing", "step": 1.0}, "")
	require.Eventually(t, func() bool {
		return pred.Fields()["step"] == 1.0
	}, 5*time.Second, 10*time.Millisecond)
	server.DropConnections()

	// The event emitted while disconnected is redelivered on resume.
	server.EmitJob("prediction", pred.ID(), "successful", nil, "")
	waitReady(t, pred)
}

func TestTrainingDataComputeResets(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("training-data", map[string]any{"id": "td-1", "state": "failure", "error": "bad extract"})
	td, err := client.TrainingData().Get(context.Background(), "td-1")
	require.NoError(t, err)
	require.True(t, td.HasFailed())

	relaunched, err := client.TrainingData().Compute(context.Background(), "td-1")
	require.NoError(t, err)
	assert.Same(t, td, relaunched)
	assert.True(t, td.IsPending())
	assert.False(t, td.HasFailed())

	server.EmitJob("training_data", "td-1", "successful", nil, "")
	waitReady(t, td)
}

func TestReload(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	server.Put("models", map[string]any{"id": "model-1", "state": "queued", "epoch": 1.0})
	model, err := client.Models().Get(context.Background(), "model-1")
	require.NoError(t, err)

	server.Put("models", map[string]any{"id": "model-1", "state": "queued", "epoch": 7.0})
	require.NoError(t, model.Reload(context.Background()))
	assert.Equal(t, 7.0, model.Fields()["epoch"])
}

func TestAPIErrors(t *testing.T) {
	server := simtest.New()
	defer server.Close()
	client := newTestClient(t, server)

	_, err := client.Predictions().Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = client.Predictions().Run(context.Background(), "missing-geometry", nil)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestDisabledEventsClient(t *testing.T) {
	server := simtest.New()
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL(), DisableEvents: true})
	require.NoError(t, err)
	defer client.Close()

	server.Put("predictions", map[string]any{"id": "pred-1", "state": "successful"})
	pred, err := client.Predictions().Get(context.Background(), "pred-1")
	require.NoError(t, err)
	assert.True(t, pred.IsReady(), "terminal state observed from the direct lookup")
	assert.Empty(t, client.Cursor())
}
