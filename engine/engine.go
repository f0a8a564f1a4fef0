// Package engine assembles the orchestrator: store, workers, sweeper, and
// event bus behind one lifecycle and one operations API.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/config"
	"github.com/labelsquor/orchestrator/events"
	"github.com/labelsquor/orchestrator/executor"
	"github.com/labelsquor/orchestrator/locks"
	"github.com/labelsquor/orchestrator/observability"
	"github.com/labelsquor/orchestrator/quota"
	"github.com/labelsquor/orchestrator/retry"
	"github.com/labelsquor/orchestrator/scheduler"
	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/worker"
	"github.com/labelsquor/orchestrator/workflow"
)

// Engine is the orchestrator facade. Construct with New, register handlers
// on the registry before Start, and drive items through the operations API.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	quota    *quota.Manager
	registry *executor.Registry
	views    *observability.Views

	pool    *worker.Pool
	sweeper *scheduler.Sweeper
	bus     *events.Bus

	cancel context.CancelFunc
}

// New wires an engine from its parts. subs are the event subscribers beyond
// the built-in structured log subscriber.
func New(cfg *config.Config, s store.Store, registry *executor.Registry, subs ...events.Subscriber) *Engine {
	qm := quota.NewManager(s)
	policy := retry.Default()
	policy.Base = cfg.RetryBase
	policy.MaxAttempts = cfg.RetryMaxAttempts

	exec := executor.New(registry, s, cfg.StageTimeout)
	dispatcher := scheduler.NewDispatcher(s)

	workers := make([]*worker.Worker, cfg.NumWorkers)
	for i := range workers {
		id := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		lm := locks.NewManager(s, id, cfg.LockLease)
		workers[i] = worker.New(id, s, lm, exec, policy)
	}

	allSubs := append([]events.Subscriber{events.LogSubscriber{}}, subs...)

	return &Engine{
		cfg:      cfg,
		store:    s,
		quota:    qm,
		registry: registry,
		views:    observability.NewViews(s),
		pool:     worker.NewPool(dispatcher, workers...),
		sweeper:  scheduler.NewSweeper(s, qm, cfg.QuotaService),
		bus:      events.NewBus(s, allSubs...),
	}
}

// Registry returns the stage handler registry.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// Quota returns the quota manager for handlers that meter external calls.
func (e *Engine) Quota() *quota.Manager { return e.quota }

// Start launches the background loops. It returns immediately.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go e.bus.Start(ctx)
	go e.sweeper.Run(ctx)
	e.pool.Start(ctx)
	log.WithField("workers", e.cfg.NumWorkers).Info("engine started")
}

// Shutdown stops the loops and waits for in-flight stages up to the
// configured grace period.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		log.Info("engine stopped cleanly")
		return nil
	case <-grace.C:
		return fmt.Errorf("shutdown grace of %s elapsed with stages in flight", e.cfg.ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueRequest describes a new work item.
type EnqueueRequest struct {
	ID       string
	Priority int
	Payload  string
	Metadata map[string]any
}

// Enqueue accepts a new item into the pipeline at the first stage.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*store.WorkItem, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	item := &store.WorkItem{
		ID:         req.ID,
		Priority:   req.Priority,
		State:      workflow.StateCreated,
		Stage:      workflow.StageDiscovery,
		EnqueuedAt: time.Now().UTC(),
		Payload:    req.Payload,
		Metadata:   req.Metadata,
	}
	if err := e.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	ready, err := e.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:          item.ID,
		ExpectedVersion: 0,
		From:            workflow.StateCreated,
		To:              workflow.StateReady,
		Stage:           item.Stage,
		Reason:          "enqueued",
		Actor:           "api",
	})
	if err != nil {
		return nil, err
	}
	observability.ItemsEnqueued.Inc()
	return ready, nil
}

// Cancel requests cancellation and returns the updated snapshot. Parked
// items move to CANCELLED immediately; a RUNNING item is flagged and
// cancelled by its worker at the next stage boundary. Terminal items cannot
// be cancelled.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*store.WorkItem, error) {
	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case workflow.IsTerminal(item.State):
		return nil, fmt.Errorf("%w: item %s is already %s", store.ErrIllegalTransition, id, item.State)
	case item.State == workflow.StateRunning:
		if err := e.store.RequestCancel(ctx, id, reason); err != nil {
			return nil, err
		}
		return e.store.GetItem(ctx, id)
	case item.State == workflow.StateCreated:
		return nil, fmt.Errorf("%w: item %s is still being enqueued", store.ErrIllegalTransition, id)
	}

	return e.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:          id,
		ExpectedVersion: item.Version,
		From:            item.State,
		To:              workflow.StateCancelled,
		Stage:           item.Stage,
		Reason:          reason,
		Actor:           "api",
	})
}

// Retry manually requeues a FAILED or SUSPENDED item.
func (e *Engine) Retry(ctx context.Context, id string) (*store.WorkItem, error) {
	return e.requeue(ctx, id, "manual retry", workflow.StateFailed, workflow.StateSuspended)
}

// Wake returns a WAITING item to the queue after its external dependency
// arrived.
func (e *Engine) Wake(ctx context.Context, id string) (*store.WorkItem, error) {
	return e.requeue(ctx, id, "external wake", workflow.StateWaiting)
}

func (e *Engine) requeue(ctx context.Context, id, reason string, allowed ...workflow.State) (*store.WorkItem, error) {
	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	permitted := false
	for _, s := range allowed {
		if item.State == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, fmt.Errorf("%w: item %s is %s, expected one of %v", store.ErrIllegalTransition, id, item.State, allowed)
	}

	return e.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:           id,
		ExpectedVersion:  item.Version,
		From:             item.State,
		To:               workflow.StateReady,
		Stage:            item.Stage,
		Reason:           reason,
		Actor:            "api",
		ClearNextAttempt: true,
	})
}

// Suspend parks a FAILED item for manual intervention.
func (e *Engine) Suspend(ctx context.Context, id, reason string) (*store.WorkItem, error) {
	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:          id,
		ExpectedVersion: item.Version,
		From:            workflow.StateFailed,
		To:              workflow.StateSuspended,
		Stage:           item.Stage,
		Reason:          reason,
		Actor:           "api",
	})
}

// ResumeQuotaExceeded bulk-requeues every quota-parked item.
func (e *Engine) ResumeQuotaExceeded(ctx context.Context) (int, error) {
	return e.sweeper.ResumeQuotaExceeded(ctx)
}

// Get returns one work item.
func (e *Engine) Get(ctx context.Context, id string) (*store.WorkItem, error) {
	return e.store.GetItem(ctx, id)
}

// List returns matching items and the total match count.
func (e *Engine) List(ctx context.Context, f store.ItemFilter) ([]*store.WorkItem, int, error) {
	return e.store.ListItems(ctx, f)
}

// History returns the item's full transition audit trail.
func (e *Engine) History(ctx context.Context, id string) ([]*store.Transition, error) {
	return e.store.History(ctx, id)
}

// DeadLetters lists recent dead-lettered items.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*store.DeadLetter, error) {
	return e.store.ListDeadLetters(ctx, limit)
}

// Metrics returns the workflow metrics snapshot over the trailing window.
func (e *Engine) Metrics(ctx context.Context, window time.Duration) (*observability.Snapshot, error) {
	return e.views.Metrics(ctx, window)
}

// QuotaStatus returns the per-window quota position of a service.
func (e *Engine) QuotaStatus(ctx context.Context, service string) ([]quota.WindowStatus, error) {
	return e.quota.Status(ctx, service)
}
