package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

func testItem(stage workflow.Stage) *store.WorkItem {
	return &store.WorkItem{
		ID:    "item-1",
		State: workflow.StateRunning,
		Stage: stage,
	}
}

func newTestExecutor(timeout time.Duration) (*Executor, *Registry, *store.MemoryStore) {
	reg := NewRegistry()
	s := store.NewMemoryStore()
	return New(reg, s, timeout), reg, s
}

func TestRunSuccess(t *testing.T) {
	exec, reg, s := newTestExecutor(time.Second)
	reg.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.StageDone(workflow.StageSummary{"sources": 3}), nil
	})

	outcome := exec.Run(context.Background(), testItem(workflow.StageDiscovery))
	assert.Equal(t, workflow.OutcomeDone, outcome.Kind)
	assert.Equal(t, 3, outcome.Summary["sources"])

	events, err := s.UndeliveredEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, workflow.EventStageStarted, events[0].Type)

	stats, err := s.StageDurationStats(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats[workflow.StageDiscovery].Count)
}

func TestRunMissingHandlerIsFatal(t *testing.T) {
	exec, _, _ := newTestExecutor(time.Second)

	outcome := exec.Run(context.Background(), testItem(workflow.StageScoring))
	assert.Equal(t, workflow.OutcomeFailed, outcome.Kind)
	assert.Equal(t, workflow.FailureFatal, outcome.Class)
}

func TestRunClassifiesErrors(t *testing.T) {
	exec, reg, s := newTestExecutor(time.Second)
	resetAt := time.Now().Add(time.Minute).UTC()

	reg.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.Outcome{}, errors.New("connection refused")
	})
	reg.RegisterFunc(workflow.StageEnrichment, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.Outcome{}, &workflow.StageError{Class: workflow.FailureValidation, Reason: "bad schema"}
	})
	reg.RegisterFunc(workflow.StageScoring, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.Outcome{}, &workflow.QuotaError{Service: "gemini", ResetAt: resetAt}
	})

	outcome := exec.Run(context.Background(), testItem(workflow.StageDiscovery))
	assert.Equal(t, workflow.OutcomeFailed, outcome.Kind)
	assert.Equal(t, workflow.FailureTransient, outcome.Class)

	outcome = exec.Run(context.Background(), testItem(workflow.StageEnrichment))
	assert.Equal(t, workflow.OutcomeFailed, outcome.Kind)
	assert.Equal(t, workflow.FailureValidation, outcome.Class)
	assert.Equal(t, "bad schema", outcome.Reason)

	outcome = exec.Run(context.Background(), testItem(workflow.StageScoring))
	assert.Equal(t, workflow.OutcomeQuota, outcome.Kind)
	assert.Equal(t, "gemini", outcome.Service)
	assert.Equal(t, resetAt, outcome.ResetAt)

	breakdown, err := s.ErrorBreakdown(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, breakdown[workflow.FailureTransient])
	assert.Equal(t, 1, breakdown[workflow.FailureValidation])
}

func TestRunTimeoutIsTransient(t *testing.T) {
	exec, reg, _ := newTestExecutor(20 * time.Millisecond)
	reg.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		time.Sleep(300 * time.Millisecond) // ignores cancellation
		return workflow.StageDone(nil), nil
	})

	outcome := exec.Run(context.Background(), testItem(workflow.StageDiscovery))
	assert.Equal(t, workflow.OutcomeFailed, outcome.Kind)
	assert.Equal(t, workflow.FailureTransient, outcome.Class)
	assert.Contains(t, outcome.Reason, "timed out")
}

func TestRunRecoversPanics(t *testing.T) {
	exec, reg, _ := newTestExecutor(time.Second)
	reg.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		panic("nil dereference somewhere deep")
	})

	outcome := exec.Run(context.Background(), testItem(workflow.StageDiscovery))
	assert.Equal(t, workflow.OutcomeFailed, outcome.Kind)
	assert.Equal(t, workflow.FailureFatal, outcome.Class)
	assert.Contains(t, outcome.Reason, "panicked")
}
