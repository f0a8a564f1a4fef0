// Package observability exposes Prometheus metrics and read-only dashboard
// views over the orchestrator's persisted history.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ItemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labelsquor_items_enqueued_total",
		Help: "Work items accepted into the pipeline",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelsquor_transitions_total",
		Help: "State transitions applied, by from/to state",
	}, []string{"from", "to"})

	TransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labelsquor_transition_conflicts_total",
		Help: "Compare-and-transition attempts lost to a concurrent writer",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labelsquor_stage_duration_seconds",
		Help:    "Stage execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelsquor_stage_failures_total",
		Help: "Stage failures by stage and failure class",
	}, []string{"stage", "class"})

	QuotaDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelsquor_quota_denied_total",
		Help: "Admission checks denied by an exhausted quota window",
	}, []string{"service", "window"})

	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labelsquor_retries_scheduled_total",
		Help: "Items scheduled for a backoff retry",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labelsquor_dead_letters_total",
		Help: "Items moved to the dead letter store",
	})

	LocksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labelsquor_locks_reclaimed_total",
		Help: "Expired leases reclaimed from crashed or stalled workers",
	})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelsquor_events_delivered_total",
		Help: "Outbox events delivered to all subscribers",
	}, []string{"type"})

	EventDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelsquor_event_delivery_failures_total",
		Help: "Outbox delivery attempts that exhausted subscriber retries",
	}, []string{"subscriber"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labelsquor_workers_busy",
		Help: "Workers currently executing a stage",
	})

	ItemsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labelsquor_items_by_state",
		Help: "Current work item count per state, refreshed by the sweeper",
	}, []string{"state"})
)
