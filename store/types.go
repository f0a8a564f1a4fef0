package store

import (
	"time"

	"github.com/labelsquor/orchestrator/workflow"
)

// WorkItem is the unit orchestrated through the pipeline. Rows are never
// deleted; terminal items stay queryable indefinitely.
type WorkItem struct {
	ID       string         `json:"id"`
	Priority int            `json:"priority"` // higher first
	State    workflow.State `json:"state"`
	Stage    workflow.Stage `json:"stage"`

	AttemptCount       int `json:"attempt_count"`
	QuotaExceededCount int `json:"quota_exceeded_count"`

	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	LockHolder     string     `json:"lock_holder,omitempty"`
	LockAcquiredAt *time.Time `json:"lock_acquired_at,omitempty"`
	LockExpiresAt  *time.Time `json:"lock_expires_at,omitempty"`

	// Version is the optimistic concurrency token; every successful
	// compare-and-transition increments it.
	Version int64 `json:"version"`

	// Payload is the opaque reference handed to stage handlers, e.g. a
	// product version identifier.
	Payload  string         `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`

	PartialResults *workflow.PartialResults `json:"partial_results,omitempty"`
	LastError      *ItemError               `json:"last_error,omitempty"`

	// CancelRequested is set for RUNNING items; the owning worker observes
	// it at the next stage boundary.
	CancelRequested bool `json:"cancel_requested"`
}

// ItemError is the last recorded failure on an item.
type ItemError struct {
	Kind    workflow.FailureClass `json:"kind"`
	Message string                `json:"message"`
}

// Transition is an immutable audit record of one state change.
type Transition struct {
	ID         string         `json:"id"`
	WorkItemID string         `json:"work_item_id"`
	FromState  workflow.State `json:"from_state"`
	ToState    workflow.State `json:"to_state"`
	Stage      workflow.Stage `json:"stage,omitempty"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Actor      string         `json:"actor"`
	At         time.Time      `json:"at"`
}

// Event is a durable outbox record delivered at-least-once to subscribers.
// Seq provides the per-insertion ordering the delivery loop relies on.
type Event struct {
	ID         string             `json:"id"`
	Seq        int64              `json:"seq"`
	WorkItemID string             `json:"work_item_id"`
	Type       workflow.EventType `json:"type"`
	Payload    map[string]any     `json:"payload,omitempty"`
	At         time.Time          `json:"at"`
	Delivered  bool               `json:"delivered"`
	Attempts   int                `json:"attempts"`
}

// EventSpec describes an extra outbox event to co-commit with a transition.
type EventSpec struct {
	Type    workflow.EventType
	Payload map[string]any
}

// MetricKind enumerates the recorded observation kinds.
type MetricKind string

const (
	MetricStateDuration MetricKind = "state_duration_ms"
	MetricStageDuration MetricKind = "stage_duration_ms"
	MetricRetryCount    MetricKind = "retry_count"
	MetricError         MetricKind = "error"
)

// Metric is a numeric observation, optionally tied to a work item.
type Metric struct {
	ID         string     `json:"id"`
	WorkItemID string     `json:"work_item_id,omitempty"`
	Kind       MetricKind `json:"kind"`
	Name       string     `json:"name"`
	Value      float64    `json:"value"`
	At         time.Time  `json:"at"`
}

// QuotaCounter tracks usage of one external service over one tumbling window.
type QuotaCounter struct {
	Service     string    `json:"service"`
	Window      string    `json:"window"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	WindowStart time.Time `json:"window_start"`
}

// QuotaLimitRow is a persisted override of a default quota limit.
type QuotaLimitRow struct {
	Service   string    `json:"service"`
	Window    string    `json:"window"`
	Limit     int64     `json:"limit"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaUsage is one append-only record of an external call's cost.
type QuotaUsage struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	WorkItemID   string    `json:"work_item_id,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	ImageCount   int       `json:"image_count"`
	Cost         float64   `json:"cost"`
	At           time.Time `json:"at"`
}

// DeadLetter preserves the payload and error chain of an item that exhausted
// its retry budget.
type DeadLetter struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	Payload    string    `json:"payload"`
	ErrorChain []string  `json:"error_chain"`
	At         time.Time `json:"at"`
}

// ItemFilter selects work items for listing. Zero fields are ignored.
type ItemFilter struct {
	State    workflow.State
	Stage    workflow.Stage
	Priority *int
	OlderThan time.Duration
	Offset   int
	Limit    int
}

// TransitionRequest is the input to the compare-and-transition primitive.
// The store applies the state change, the optional field updates, the audit
// transition, and the outbox events in a single serializable transaction.
type TransitionRequest struct {
	ItemID          string
	ExpectedVersion int64
	From            workflow.State
	To              workflow.State
	Stage           workflow.Stage // stage context recorded on the transition row
	Reason          string
	Actor           string
	Metadata        map[string]any

	// Optional atomic field updates.
	AdvanceStage        *workflow.Stage
	NextAttemptAt       *time.Time
	ClearNextAttempt    bool
	IncrementAttempt    bool
	IncrementQuotaCount bool
	PartialResults      *workflow.PartialResults
	LastError           *ItemError
	MarkStarted         bool
	MarkCompleted       bool
	ReleaseLock         bool
	ClearCancelRequest  bool

	// Extra outbox events beyond the implicit state_changed event.
	Events []EventSpec

	// DeadLetter is inserted in the same transaction when the transition
	// dead-letters the item.
	DeadLetter *DeadLetter
}

// DurationStats aggregates recorded duration metrics.
type DurationStats struct {
	Count int     `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
}

// HourlyCount is a per-hour throughput bucket.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// HourlyQuotaUsage aggregates quota usage log rows per hour.
type HourlyQuotaUsage struct {
	Hour        time.Time `json:"hour"`
	Requests    int       `json:"requests"`
	TotalTokens int64     `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
}
