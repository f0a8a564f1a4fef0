package scheduler

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/observability"
	"github.com/labelsquor/orchestrator/quota"
	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

const defaultSweepInterval = 15 * time.Second

// Sweeper periodically returns due parked items to READY. Retry-scheduled
// items come back when their backoff elapses; quota-parked items come back
// when they are due and the service has capacity again.
type Sweeper struct {
	store    store.Store
	quota    *quota.Manager
	service  string
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewSweeper creates a sweeper. service names the quota-metered service
// whose capacity gates quota resumes.
func NewSweeper(s store.Store, qm *quota.Manager, service string) *Sweeper {
	return &Sweeper{
		store:    s,
		quota:    qm,
		service:  service,
		interval: defaultSweepInterval,
		batch:    defaultBatchSize,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithField("interval", s.interval).Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// Sweep performs one pass: due retries, due quota resumes, and the per-state
// gauge refresh.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.sweepRetries(ctx); err != nil {
		return err
	}
	if err := s.sweepQuota(ctx); err != nil {
		return err
	}
	return s.refreshStateGauge(ctx)
}

func (s *Sweeper) sweepRetries(ctx context.Context) error {
	due, err := s.store.DueItems(ctx, workflow.StateRetryScheduled, s.now(), s.batch)
	if err != nil {
		return err
	}
	for _, item := range due {
		if _, err := s.wake(ctx, item, workflow.StateRetryScheduled, "retry_ready", nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) sweepQuota(ctx context.Context) error {
	due, err := s.store.DueItems(ctx, workflow.StateQuotaExceeded, s.now(), s.batch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	ok, err := s.quota.HasCapacity(ctx, s.service)
	if err != nil {
		return err
	}
	if !ok {
		// Still throttled; the items stay parked and the next sweep
		// re-checks. Their next_attempt_at is already in the past, so no
		// rescheduling is needed.
		log.WithFields(log.Fields{
			"service": s.service,
			"due":     len(due),
		}).Info("quota still exhausted, resume deferred")
		return nil
	}

	for _, item := range due {
		if _, err := s.resumeQuotaItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) resumeQuotaItem(ctx context.Context, item *store.WorkItem) (bool, error) {
	payload := map[string]any{
		"service": s.service,
		"stage":   string(item.Stage),
	}
	if item.PartialResults != nil {
		payload["progress"] = item.PartialResults.ProgressPercentage
	}
	return s.wake(ctx, item, workflow.StateQuotaExceeded, "quota_reset", []store.EventSpec{
		{Type: workflow.EventResumed, Payload: payload},
	})
}

// ResumeQuotaExceeded immediately requeues every QUOTA_EXCEEDED item,
// regardless of its scheduled resume time. It backs the manual bulk-resume
// operation operators use after a limit increase.
func (s *Sweeper) ResumeQuotaExceeded(ctx context.Context) (int, error) {
	resumed := 0
	for {
		items, _, err := s.store.ListItems(ctx, store.ItemFilter{
			State: workflow.StateQuotaExceeded,
			Limit: s.batch,
		})
		if err != nil {
			return resumed, err
		}
		progress := false
		for _, item := range items {
			ok, err := s.resumeQuotaItem(ctx, item)
			if err != nil {
				return resumed, err
			}
			if ok {
				resumed++
				progress = true
			}
		}
		if !progress {
			return resumed, nil
		}
	}
}

// wake applies state -> READY, tolerating races with cancel or other
// sweepers. It reports whether the transition actually applied.
func (s *Sweeper) wake(ctx context.Context, item *store.WorkItem, from workflow.State, reason string, events []store.EventSpec) (bool, error) {
	_, err := s.store.CompareAndTransition(ctx, store.TransitionRequest{
		ItemID:           item.ID,
		ExpectedVersion:  item.Version,
		From:             from,
		To:               workflow.StateReady,
		Stage:            item.Stage,
		Reason:           reason,
		Actor:            "sweeper",
		ClearNextAttempt: true,
		Events:           events,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	observability.TransitionsTotal.WithLabelValues(string(from), string(workflow.StateReady)).Inc()
	return true, nil
}

func (s *Sweeper) refreshStateGauge(ctx context.Context) error {
	counts, err := s.store.StateCounts(ctx)
	if err != nil {
		return err
	}
	observability.ItemsByState.Reset()
	for state, count := range counts {
		observability.ItemsByState.WithLabelValues(string(state)).Set(float64(count))
	}
	return nil
}
