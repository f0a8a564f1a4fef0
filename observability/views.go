package observability

import (
	"context"
	"time"

	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

// Views serves the read-only dashboard queries straight from the store's
// aggregations. No state is cached; every call reflects the current rows.
type Views struct {
	store store.Store
	now   func() time.Time
}

// NewViews creates the dashboard view layer.
func NewViews(s store.Store) *Views {
	return &Views{store: s, now: time.Now}
}

// Snapshot is the combined workflow metrics view.
type Snapshot struct {
	TakenAt        time.Time                                   `json:"taken_at"`
	Window         time.Duration                               `json:"window"`
	States         map[workflow.State]int                 `json:"states"`
	Throughput     []store.HourlyCount                    `json:"throughput"`
	StageLatency   map[workflow.Stage]store.DurationStats `json:"stage_latency"`
	StateLatency   map[workflow.State]store.DurationStats `json:"state_latency"`
	ErrorBreakdown map[workflow.FailureClass]int          `json:"error_breakdown"`
}

// Metrics assembles the workflow metrics view over the trailing window.
func (v *Views) Metrics(ctx context.Context, window time.Duration) (*Snapshot, error) {
	now := v.now().UTC()
	since := now.Add(-window)

	states, err := v.store.StateCounts(ctx)
	if err != nil {
		return nil, err
	}
	throughput, err := v.store.CompletedPerHour(ctx, since)
	if err != nil {
		return nil, err
	}
	stageLatency, err := v.store.StageDurationStats(ctx, since)
	if err != nil {
		return nil, err
	}
	stateLatency, err := v.store.StateDurationStats(ctx, since)
	if err != nil {
		return nil, err
	}
	errs, err := v.store.ErrorBreakdown(ctx, since)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		TakenAt:        now,
		Window:         window,
		States:         states,
		Throughput:     throughput,
		StageLatency:   stageLatency,
		StateLatency:   stateLatency,
		ErrorBreakdown: errs,
	}, nil
}

// QuotaHistory returns the hourly usage trail for a service.
func (v *Views) QuotaHistory(ctx context.Context, service string, window time.Duration) ([]store.HourlyQuotaUsage, error) {
	return v.store.QuotaUsageHistory(ctx, service, v.now().UTC().Add(-window))
}

// DeadLetters lists the most recent dead-lettered payloads.
func (v *Views) DeadLetters(ctx context.Context, limit int) ([]*store.DeadLetter, error) {
	return v.store.ListDeadLetters(ctx, limit)
}
