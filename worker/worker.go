// Package worker claims ready items, runs their current stage, and applies
// the outcome as a compare-and-transition. A worker owns an item only while
// it holds the item's lease; every transition it writes releases the lease
// in the same atomic step.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/executor"
	"github.com/labelsquor/orchestrator/locks"
	"github.com/labelsquor/orchestrator/observability"
	"github.com/labelsquor/orchestrator/retry"
	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

const quotaResumeJitter = 30 * time.Second

// Worker processes one claimed item at a time.
type Worker struct {
	id     string
	store  store.Store
	locks  *locks.Manager
	exec   *executor.Executor
	policy *retry.Policy
	now    func() time.Time
}

// New creates a worker with the given identity.
func New(id string, s store.Store, lm *locks.Manager, exec *executor.Executor, policy *retry.Policy) *Worker {
	return &Worker{id: id, store: s, locks: lm, exec: exec, policy: policy, now: time.Now}
}

// Process claims and runs the candidate item. It returns false when the item
// could not be claimed (lost race, lock held, state moved on), which the
// pool treats the same as an empty poll.
func (w *Worker) Process(ctx context.Context, candidate *store.WorkItem) (bool, error) {
	lease, err := w.locks.Acquire(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	defer lease.Release(ctx)

	// Refetch under the lease: the candidate snapshot may be stale.
	item, err := w.store.GetItem(ctx, candidate.ID)
	if err != nil {
		return false, err
	}

	switch item.State {
	case workflow.StateRunning:
		// A RUNNING item whose lease we could take belonged to a dead
		// worker. Fail it so the retry policy decides what happens next.
		return true, w.reclaim(ctx, item)
	case workflow.StateReady:
	default:
		return false, nil
	}

	running, err := w.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:           item.ID,
		ExpectedVersion:  item.Version,
		From:             workflow.StateReady,
		To:               workflow.StateRunning,
		Stage:            item.Stage,
		Reason:           "claimed",
		Actor:            w.id,
		MarkStarted:      true,
		ClearNextAttempt: true,
	})
	if errors.Is(err, store.ErrConflict) {
		observability.TransitionConflicts.Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	observability.TransitionsTotal.WithLabelValues(string(workflow.StateReady), string(workflow.StateRunning)).Inc()

	observability.WorkersBusy.Inc()
	outcome := w.exec.Run(ctx, running)
	observability.WorkersBusy.Dec()

	// Cancellation is honored at the stage boundary: re-read the flag
	// before deciding where the item goes.
	fresh, err := w.store.GetItem(ctx, running.ID)
	if err != nil {
		return true, err
	}

	return true, w.applyOutcome(ctx, fresh, outcome)
}

// reclaim moves an expired-lease RUNNING item through FAILED so the normal
// disposition logic applies.
func (w *Worker) reclaim(ctx context.Context, item *store.WorkItem) error {
	observability.LocksReclaimed.Inc()
	log.WithFields(log.Fields{
		"item":        item.ID,
		"worker":      w.id,
		"lost_holder": item.LockHolder,
	}).Warn("reclaiming item with expired lease")

	itemErr := &store.ItemError{Kind: workflow.FailureTransient, Message: "lock_expired"}
	failed, err := w.transitionToFailed(ctx, item, itemErr, "lock_expired")
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.dispose(ctx, failed, workflow.FailureTransient, "lock_expired", time.Time{})
}

func (w *Worker) applyOutcome(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	// Cancellation wins at the stage boundary no matter how the stage ended;
	// otherwise a cancelled item could stay parked until a quota reset or a
	// retry delay nobody is waiting for.
	if item.CancelRequested {
		return w.applyCancel(ctx, item, outcome)
	}

	switch outcome.Kind {
	case workflow.OutcomeDone:
		return w.applyDone(ctx, item, outcome)
	case workflow.OutcomePartial:
		return w.applyPartial(ctx, item, outcome)
	case workflow.OutcomeWaiting:
		return w.applyWaiting(ctx, item, outcome)
	case workflow.OutcomeQuota:
		return w.applyQuota(ctx, item, outcome)
	case workflow.OutcomeFailed:
		return w.applyFailed(ctx, item, outcome)
	default:
		return fmt.Errorf("unknown outcome kind %q for item %s", outcome.Kind, item.ID)
	}
}

// applyCancel retires the item regardless of outcome. A completed stage is
// still recorded so a later re-enqueue would not redo it.
func (w *Worker) applyCancel(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	var partial *workflow.PartialResults
	var events []store.EventSpec
	if outcome.Kind == workflow.OutcomeDone {
		partial = item.PartialResults.Merge(item.Stage, orEmpty(outcome.Summary))
		events = append(events, store.EventSpec{
			Type: workflow.EventStageCompleted,
			Payload: map[string]any{
				"stage":    string(item.Stage),
				"progress": partial.ProgressPercentage,
			},
		})
	} else {
		partial = item.PartialResults.MergeInterrupted(item.Stage, outcome.Summary)
	}

	return w.finish(ctx, item, store.TransitionRequest{
		To:                 workflow.StateCancelled,
		Reason:             "cancel_requested",
		PartialResults:     partial,
		ClearCancelRequest: true,
		Events:             events,
	})
}

func (w *Worker) applyDone(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	partial := item.PartialResults.Merge(item.Stage, orEmpty(outcome.Summary))
	completedEvent := store.EventSpec{
		Type: workflow.EventStageCompleted,
		Payload: map[string]any{
			"stage":    string(item.Stage),
			"progress": partial.ProgressPercentage,
		},
	}

	next, ok := workflow.NextStage(item.Stage)
	if !ok {
		return w.finish(ctx, item, store.TransitionRequest{
			To:             workflow.StateCompleted,
			Reason:         "pipeline complete",
			PartialResults: partial,
			MarkCompleted:  true,
			Events:         []store.EventSpec{completedEvent},
		})
	}

	return w.finish(ctx, item, store.TransitionRequest{
		To:             workflow.StateReady,
		Reason:         "stage complete",
		AdvanceStage:   &next,
		PartialResults: partial,
		Events:         []store.EventSpec{completedEvent},
	})
}

func (w *Worker) applyPartial(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	// Progress inside the stage without finishing it: requeue at the same
	// stage so the next claim picks up where this one left off.
	partial := item.PartialResults.MergeInterrupted(item.Stage, outcome.Summary)

	return w.finish(ctx, item, store.TransitionRequest{
		To:             workflow.StateReady,
		Reason:         "partial progress",
		PartialResults: partial,
	})
}

func (w *Worker) applyWaiting(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	return w.finish(ctx, item, store.TransitionRequest{
		To:     workflow.StateWaiting,
		Reason: outcome.Reason,
	})
}

func (w *Worker) applyQuota(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	partial := item.PartialResults.MergeInterrupted(item.Stage, outcome.Summary)

	// Spread resumes across a window so every parked item doesn't slam the
	// service the moment the quota tumbles.
	resumeAt := outcome.ResetAt.Add(time.Duration(rand.Int63n(int64(quotaResumeJitter))))

	return w.finish(ctx, item, store.TransitionRequest{
		To:                  workflow.StateQuotaExceeded,
		Reason:              "quota exhausted: " + outcome.Service,
		IncrementQuotaCount: true,
		PartialResults:      partial,
		NextAttemptAt:       &resumeAt,
		Events: []store.EventSpec{{
			Type: workflow.EventQuotaExceeded,
			Payload: map[string]any{
				"service":  outcome.Service,
				"stage":    string(item.Stage),
				"reset_at": outcome.ResetAt.UTC().Format(time.RFC3339),
				"progress": partial.ProgressPercentage,
			},
		}},
	})
}

func (w *Worker) applyFailed(ctx context.Context, item *store.WorkItem, outcome workflow.Outcome) error {
	itemErr := &store.ItemError{Kind: outcome.Class, Message: outcome.Reason}
	failed, err := w.transitionToFailed(ctx, item, itemErr, outcome.Reason)
	if err != nil {
		return err
	}
	return w.dispose(ctx, failed, outcome.Class, outcome.Reason, time.Time{})
}

// transitionToFailed applies RUNNING -> FAILED. Rate-limit failures retry at
// the reset and validation failures suspend; neither consumes the attempt
// budget.
func (w *Worker) transitionToFailed(ctx context.Context, item *store.WorkItem, itemErr *store.ItemError, reason string) (*store.WorkItem, error) {
	countsAttempt := itemErr.Kind != workflow.FailureRateLimit && itemErr.Kind != workflow.FailureValidation
	failed, err := w.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:           item.ID,
		ExpectedVersion:  item.Version,
		From:             workflow.StateRunning,
		To:               workflow.StateFailed,
		Stage:            item.Stage,
		Reason:           reason,
		Actor:            w.id,
		LastError:        itemErr,
		IncrementAttempt: countsAttempt,
		ReleaseLock:      true,
		Events: []store.EventSpec{
			{Type: workflow.EventStageFailed, Payload: map[string]any{
				"stage":  string(item.Stage),
				"class":  string(itemErr.Kind),
				"reason": itemErr.Message,
			}},
			{Type: workflow.EventUnlocked, Payload: map[string]any{"worker": w.id}},
		},
	})
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(workflow.StateRunning), string(workflow.StateFailed)).Inc()
	return failed, nil
}

// dispose routes a FAILED item per the retry policy.
func (w *Worker) dispose(ctx context.Context, item *store.WorkItem, class workflow.FailureClass, reason string, resetHint time.Time) error {
	switch w.policy.Disposition(class, item.AttemptCount) {
	case retry.ActionRetry:
		at := w.now().Add(w.policy.NextDelay(item.AttemptCount))
		return w.scheduleRetry(ctx, item, at)
	case retry.ActionRetryAtReset:
		at := resetHint
		if at.IsZero() {
			at = w.now().Add(w.policy.Base)
		}
		return w.scheduleRetry(ctx, item, at)
	case retry.ActionSuspend:
		_, err := w.store.CompareAndTransition(ctx, store.TransitionRequest{
			ItemID:          item.ID,
			ExpectedVersion: item.Version,
			From:            workflow.StateFailed,
			To:              workflow.StateSuspended,
			Stage:           item.Stage,
			Reason:          reason,
			Actor:           w.id,
		})
		return err
	default: // retry.ActionDeadLetter
		return w.deadLetter(ctx, item, reason)
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, item *store.WorkItem, at time.Time) error {
	observability.RetriesScheduled.Inc()
	_, err := w.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            workflow.StateFailed,
		To:              workflow.StateRetryScheduled,
		Stage:           item.Stage,
		Reason:          fmt.Sprintf("retry %d scheduled", item.AttemptCount),
		Actor:           w.id,
		NextAttemptAt:   &at,
	})
	if err != nil {
		return err
	}
	return w.store.RecordMetric(ctx, &store.Metric{
		WorkItemID: item.ID,
		Kind:       store.MetricRetryCount,
		Name:       string(item.Stage),
		Value:      float64(item.AttemptCount),
	})
}

func (w *Worker) deadLetter(ctx context.Context, item *store.WorkItem, reason string) error {
	observability.DeadLetters.Inc()
	chain, err := w.errorChain(ctx, item, reason)
	if err != nil {
		return err
	}
	_, err = w.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            workflow.StateFailed,
		To:              workflow.StateDeadLettered,
		Stage:           item.Stage,
		Reason:          "retry budget exhausted: " + reason,
		Actor:           w.id,
		DeadLetter: &store.DeadLetter{
			WorkItemID: item.ID,
			Payload:    item.Payload,
			ErrorChain: chain,
		},
		Events: []store.EventSpec{{
			Type: workflow.EventDeadLettered,
			Payload: map[string]any{
				"stage":    string(item.Stage),
				"attempts": item.AttemptCount,
				"reason":   reason,
			},
		}},
	})
	return err
}

// errorChain rebuilds the item's failure history from the audit trail.
func (w *Worker) errorChain(ctx context.Context, item *store.WorkItem, last string) ([]string, error) {
	history, err := w.store.History(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	var chain []string
	for _, t := range history {
		if t.ToState == workflow.StateFailed && t.Reason != "" {
			chain = append(chain, t.Reason)
		}
	}
	if len(chain) == 0 {
		chain = []string{last}
	}
	return chain, nil
}

// finish fills in the common fields of a worker-applied RUNNING -> X
// transition and applies it. The lease is released in the same step.
func (w *Worker) finish(ctx context.Context, item *store.WorkItem, req store.TransitionRequest) error {
	req.ItemID = item.ID
	req.ExpectedVersion = item.Version
	req.From = workflow.StateRunning
	req.Stage = item.Stage
	req.Actor = w.id
	req.ReleaseLock = true
	req.Events = append(req.Events, store.EventSpec{
		Type:    workflow.EventUnlocked,
		Payload: map[string]any{"worker": w.id},
	})
	_, err := w.store.CompareAndTransition(ctx, req)
	if err != nil {
		return err
	}
	observability.TransitionsTotal.WithLabelValues(string(workflow.StateRunning), string(req.To)).Inc()
	return nil
}

func orEmpty(s workflow.StageSummary) workflow.StageSummary {
	if s == nil {
		return workflow.StageSummary{}
	}
	return s
}
