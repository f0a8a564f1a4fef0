package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/executor"
	"github.com/labelsquor/orchestrator/locks"
	"github.com/labelsquor/orchestrator/retry"
	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

type fixture struct {
	store    *store.MemoryStore
	registry *executor.Registry
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	reg := executor.NewRegistry()
	exec := executor.New(reg, s, time.Second)
	lm := locks.NewManager(s, "worker-1", 5*time.Minute)
	w := New("worker-1", s, lm, exec, retry.Default())
	return &fixture{store: s, registry: reg, worker: w}
}

func (f *fixture) succeedAllStages() {
	for _, stage := range workflow.Stages {
		st := stage
		f.registry.RegisterFunc(st, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
			return workflow.StageDone(workflow.StageSummary{"stage": string(st)}), nil
		})
	}
}

func (f *fixture) addReadyItem(t *testing.T, id string) *store.WorkItem {
	t.Helper()
	item := &store.WorkItem{
		ID:         id,
		State:      workflow.StateReady,
		Stage:      workflow.StageDiscovery,
		EnqueuedAt: time.Now().UTC(),
		Payload:    "product-version/" + id,
	}
	require.NoError(t, f.store.CreateItem(context.Background(), item))
	return item
}

// processNext claims the next dispatchable item, if any.
func (f *fixture) processNext(t *testing.T) bool {
	t.Helper()
	items, err := f.store.NextReady(context.Background(), time.Now(), 1)
	require.NoError(t, err)
	if len(items) == 0 {
		return false
	}
	claimed, err := f.worker.Process(context.Background(), items[0])
	require.NoError(t, err)
	return claimed
}

func TestHappyPathThroughAllStages(t *testing.T) {
	f := newFixture(t)
	f.succeedAllStages()
	f.addReadyItem(t, "a")

	for i := 0; i < 20; i++ {
		if !f.processNext(t) {
			break
		}
	}

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, item.State)
	assert.Equal(t, workflow.StageNotification, item.Stage)
	assert.Equal(t, 0, item.AttemptCount)
	require.NotNil(t, item.CompletedAt)
	require.NotNil(t, item.PartialResults)
	assert.InDelta(t, 100, item.PartialResults.ProgressPercentage, 1e-9)
	assert.Len(t, item.PartialResults.Completed, len(workflow.Stages))
	assert.Empty(t, item.LockHolder)

	// 7 claims, 6 stage advances, 1 completion.
	history, err := f.store.History(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, history, 14)
	assert.Equal(t, workflow.StateCompleted, history[len(history)-1].ToState)
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.Outcome{}, errors.New("upstream 503")
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRetryScheduled, item.State)
	assert.Equal(t, 1, item.AttemptCount)
	require.NotNil(t, item.LastError)
	assert.Equal(t, workflow.FailureTransient, item.LastError.Kind)

	// First retry lands at base delay with +/-20% jitter.
	require.NotNil(t, item.NextAttemptAt)
	delay := time.Until(*item.NextAttemptAt)
	assert.Greater(t, delay, 40*time.Second)
	assert.Less(t, delay, 80*time.Second)
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.Outcome{}, errors.New("upstream 503")
	})
	itemRow := f.addReadyItem(t, "a")

	// Two prior failed attempts, each manually requeued.
	for i := 0; i < 2; i++ {
		running, err := f.store.CompareAndTransition(context.Background(), store.TransitionRequest{
			ItemID: "a", ExpectedVersion: itemRow.Version,
			From: workflow.StateReady, To: workflow.StateRunning,
		})
		require.NoError(t, err)
		failed, err := f.store.CompareAndTransition(context.Background(), store.TransitionRequest{
			ItemID: "a", ExpectedVersion: running.Version,
			From: workflow.StateRunning, To: workflow.StateFailed,
			Reason: "upstream 503", IncrementAttempt: true,
		})
		require.NoError(t, err)
		itemRow, err = f.store.CompareAndTransition(context.Background(), store.TransitionRequest{
			ItemID: "a", ExpectedVersion: failed.Version,
			From: workflow.StateFailed, To: workflow.StateReady,
			Reason: "manual retry",
		})
		require.NoError(t, err)
	}

	require.True(t, f.processNext(t))

	got, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDeadLettered, got.State)
	assert.Equal(t, 3, got.AttemptCount)

	letters, err := f.store.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "a", letters[0].WorkItemID)
	assert.Len(t, letters[0].ErrorChain, 3)
}

func TestValidationFailureSuspends(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.Outcome{}, &workflow.StageError{Class: workflow.FailureValidation, Reason: "missing ingredients block"}
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSuspended, item.State)
	// Suspension is not a consumed attempt: a fixed-up retry still has the
	// full transient budget.
	assert.Equal(t, 0, item.AttemptCount)
}

func TestQuotaExhaustionParksWithPartialProgress(t *testing.T) {
	f := newFixture(t)
	resetAt := time.Now().Add(time.Minute).UTC()
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.StageDone(workflow.StageSummary{"found": 1}), nil
	})
	f.registry.RegisterFunc(workflow.StageImageFetch, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.QuotaExhausted("gemini", resetAt, workflow.StageSummary{"fetched": 2}), nil
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t)) // discovery succeeds
	require.True(t, f.processNext(t)) // image_fetch hits quota

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateQuotaExceeded, item.State)
	assert.Equal(t, 1, item.QuotaExceededCount)
	assert.Equal(t, 0, item.AttemptCount) // quota pauses don't burn retries

	require.NotNil(t, item.PartialResults)
	assert.True(t, item.PartialResults.HasStage(workflow.StageDiscovery))
	assert.Equal(t, workflow.StageImageFetch, item.PartialResults.LastStageAttempted)
	// The interrupted stage's output survives the park without counting as
	// a completed stage.
	assert.False(t, item.PartialResults.HasStage(workflow.StageImageFetch))
	assert.Equal(t, workflow.StageSummary{"fetched": 2}, item.PartialResults.Interrupted[workflow.StageImageFetch])

	// Resume is scheduled at the reset instant plus bounded jitter.
	require.NotNil(t, item.NextAttemptAt)
	assert.False(t, item.NextAttemptAt.Before(resetAt))
	assert.True(t, item.NextAttemptAt.Before(resetAt.Add(31*time.Second)))
}

func TestCancelHonoredAtStageBoundary(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, item *store.WorkItem) (workflow.Outcome, error) {
		// Cancellation arrives while the stage is executing.
		if err := f.store.RequestCancel(context.Background(), item.ID, "operator"); err != nil {
			return workflow.Outcome{}, err
		}
		return workflow.StageDone(nil), nil
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, item.State)
	assert.False(t, item.CancelRequested)
	// The finished stage's output is preserved.
	require.NotNil(t, item.PartialResults)
	assert.True(t, item.PartialResults.HasStage(workflow.StageDiscovery))
}

func TestCancelWinsOverQuotaPark(t *testing.T) {
	f := newFixture(t)
	resetAt := time.Now().Add(24 * time.Hour).UTC()
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, item *store.WorkItem) (workflow.Outcome, error) {
		if err := f.store.RequestCancel(context.Background(), item.ID, "operator"); err != nil {
			return workflow.Outcome{}, err
		}
		return workflow.QuotaExhausted("gemini", resetAt, workflow.StageSummary{"scanned": 3}), nil
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	// The cancel retires the item immediately instead of parking it until
	// the quota reset.
	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, item.State)
	assert.False(t, item.CancelRequested)
	assert.Nil(t, item.NextAttemptAt)
}

func TestCancelWinsOverFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, item *store.WorkItem) (workflow.Outcome, error) {
		if err := f.store.RequestCancel(context.Background(), item.ID, "operator"); err != nil {
			return workflow.Outcome{}, err
		}
		return workflow.Outcome{}, errors.New("upstream 503")
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, item.State)
	assert.Equal(t, 0, item.AttemptCount)
}

func TestExpiredLeaseReclaim(t *testing.T) {
	f := newFixture(t)
	expired := time.Now().Add(-time.Minute).UTC()
	acquired := expired.Add(-5 * time.Minute)
	item := &store.WorkItem{
		ID:             "a",
		State:          workflow.StateRunning,
		Stage:          workflow.StageEnrichment,
		EnqueuedAt:     time.Now().UTC(),
		LockHolder:     "worker-dead",
		LockAcquiredAt: &acquired,
		LockExpiresAt:  &expired,
	}
	require.NoError(t, f.store.CreateItem(context.Background(), item))

	require.True(t, f.processNext(t))

	got, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRetryScheduled, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "lock_expired", got.LastError.Message)
}

func TestWaitingOutcomeParksItem(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.StageWaiting("awaiting retailer feed"), nil
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateWaiting, item.State)
}

func TestPartialOutcomeRequeuesSameStage(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc(workflow.StageDiscovery, func(_ context.Context, _ *store.WorkItem) (workflow.Outcome, error) {
		return workflow.StagePartial(workflow.StageSummary{"pages": 2}), nil
	})
	f.addReadyItem(t, "a")

	require.True(t, f.processNext(t))

	item, err := f.store.GetItem(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateReady, item.State)
	assert.Equal(t, workflow.StageDiscovery, item.Stage)
	require.NotNil(t, item.PartialResults)
	assert.False(t, item.PartialResults.HasStage(workflow.StageDiscovery))
	assert.Equal(t, workflow.StageSummary{"pages": 2}, item.PartialResults.Interrupted[workflow.StageDiscovery])
}

func TestClaimRaceReturnsUnclaimed(t *testing.T) {
	f := newFixture(t)
	f.succeedAllStages()
	stale := f.addReadyItem(t, "a")

	// Another actor cancels the item between dispatch and claim.
	_, err := f.store.CompareAndTransition(context.Background(), store.TransitionRequest{
		ItemID: "a", ExpectedVersion: 0,
		From: workflow.StateReady, To: workflow.StateCancelled,
		Reason: "cancelled before claim",
	})
	require.NoError(t, err)

	claimed, err := f.worker.Process(context.Background(), stale)
	require.NoError(t, err)
	assert.False(t, claimed)
}
