package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/observability"
	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

// Recorder is the slice of the store the executor writes observations to.
type Recorder interface {
	AppendEvent(ctx context.Context, ev *store.Event) error
	RecordMetric(ctx context.Context, m *store.Metric) error
}

// Executor runs stage handlers under a per-stage timeout.
type Executor struct {
	registry *Registry
	recorder Recorder
	timeout  time.Duration
}

// New creates an executor. timeout bounds a single stage execution.
func New(registry *Registry, recorder Recorder, timeout time.Duration) *Executor {
	return &Executor{registry: registry, recorder: recorder, timeout: timeout}
}

type stageResult struct {
	outcome workflow.Outcome
	err     error
}

// Run executes the item's current stage and returns the normalized outcome.
// It never returns an error: handler failures, timeouts, and panics all
// become failure outcomes for the worker's disposition logic.
func (e *Executor) Run(ctx context.Context, item *store.WorkItem) workflow.Outcome {
	stage := item.Stage
	handler, err := e.registry.Handler(stage)
	if err != nil {
		return workflow.StageFailed(workflow.FailureFatal, err.Error())
	}

	if err := e.recorder.AppendEvent(ctx, &store.Event{
		WorkItemID: item.ID,
		Type:       workflow.EventStageStarted,
		Payload:    map[string]any{"stage": string(stage), "attempt": item.AttemptCount},
	}); err != nil {
		log.WithField("item", item.ID).WithError(err).Warn("stage_started event append failed")
	}

	start := time.Now()
	outcome := e.execute(ctx, handler, item)
	elapsed := time.Since(start)

	observability.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	if err := e.recorder.RecordMetric(ctx, &store.Metric{
		WorkItemID: item.ID,
		Kind:       store.MetricStageDuration,
		Name:       string(stage),
		Value:      float64(elapsed.Milliseconds()),
	}); err != nil {
		log.WithField("item", item.ID).WithError(err).Warn("stage duration metric failed")
	}

	if outcome.Kind == workflow.OutcomeFailed {
		observability.StageFailures.WithLabelValues(string(stage), string(outcome.Class)).Inc()
		if err := e.recorder.RecordMetric(ctx, &store.Metric{
			WorkItemID: item.ID,
			Kind:       store.MetricError,
			Name:       string(outcome.Class),
			Value:      1,
		}); err != nil {
			log.WithField("item", item.ID).WithError(err).Warn("error metric failed")
		}
	}
	return outcome
}

// execute runs the handler in a goroutine so a hung stage cannot wedge the
// worker past the timeout. The goroutine is left to finish on its own; its
// result is discarded once the timeout fires.
func (e *Executor) execute(ctx context.Context, handler Handler, item *store.WorkItem) workflow.Outcome {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	results := make(chan stageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- stageResult{err: &workflow.StageError{
					Class:  workflow.FailureFatal,
					Reason: fmt.Sprintf("stage panicked: %v", r),
				}}
			}
		}()
		outcome, err := handler.Execute(runCtx, item)
		results <- stageResult{outcome: outcome, err: err}
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return workflow.StageFailed(workflow.FailureTransient,
				fmt.Sprintf("stage %s timed out after %s", item.Stage, e.timeout))
		}
		return workflow.StageFailed(workflow.FailureTransient, "execution cancelled")
	case res := <-results:
		return classify(res)
	}
}

// classify maps a handler's return into an outcome. Typed errors select
// their class; everything else is treated as transient.
func classify(res stageResult) workflow.Outcome {
	if res.err == nil {
		return res.outcome
	}
	var quotaErr *workflow.QuotaError
	if errors.As(res.err, &quotaErr) {
		return workflow.QuotaExhausted(quotaErr.Service, quotaErr.ResetAt, res.outcome.Summary)
	}
	var stageErr *workflow.StageError
	if errors.As(res.err, &stageErr) {
		return workflow.StageFailed(stageErr.Class, stageErr.Reason)
	}
	return workflow.StageFailed(workflow.FailureTransient, res.err.Error())
}
