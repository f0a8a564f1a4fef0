package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

func TestMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	v := NewViews(s)

	require.NoError(t, s.CreateItem(ctx, &store.WorkItem{
		ID: "a", State: workflow.StateReady, Stage: workflow.StageDiscovery,
		EnqueuedAt: time.Now().UTC(),
	}))
	done := time.Now().UTC()
	doneItem := &store.WorkItem{
		ID: "b", State: workflow.StateCompleted, Stage: workflow.StageNotification,
		EnqueuedAt: done.Add(-time.Hour), CompletedAt: &done,
	}
	require.NoError(t, s.CreateItem(ctx, doneItem))

	for _, ms := range []float64{100, 200, 300} {
		require.NoError(t, s.RecordMetric(ctx, &store.Metric{
			Kind: store.MetricStageDuration, Name: string(workflow.StageScoring), Value: ms,
		}))
	}
	require.NoError(t, s.RecordMetric(ctx, &store.Metric{
		Kind: store.MetricError, Name: string(workflow.FailureTransient), Value: 1,
	}))
	require.NoError(t, s.RecordMetric(ctx, &store.Metric{
		Kind: store.MetricStateDuration, Name: string(workflow.StateRunning), Value: 5000,
	}))

	snap, err := v.Metrics(ctx, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.States[workflow.StateReady])
	assert.Equal(t, 1, snap.States[workflow.StateCompleted])
	require.Len(t, snap.Throughput, 1)
	assert.Equal(t, 1, snap.Throughput[0].Count)

	scoring := snap.StageLatency[workflow.StageScoring]
	assert.Equal(t, 3, scoring.Count)
	assert.InDelta(t, 200, scoring.AvgMS, 1e-9)
	assert.InDelta(t, 100, scoring.MinMS, 1e-9)
	assert.InDelta(t, 300, scoring.MaxMS, 1e-9)

	running := snap.StateLatency[workflow.StateRunning]
	assert.Equal(t, 1, running.Count)
	assert.InDelta(t, 5000, running.AvgMS, 1e-9)

	assert.Equal(t, 1, snap.ErrorBreakdown[workflow.FailureTransient])
}
