package store

import (
	"context"
	"errors"
	"time"

	"github.com/labelsquor/orchestrator/workflow"
)

var (
	// ErrNotFound is returned when the referenced work item does not exist.
	ErrNotFound = errors.New("work item not found")

	// ErrConflict is returned when a compare-and-transition matched zero
	// rows: the item's state or version changed under the caller.
	ErrConflict = errors.New("optimistic concurrency conflict")

	// ErrIllegalTransition is returned when the requested state change is
	// not in the legal-transition table.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Store is the durable persistence layer. CompareAndTransition is the sole
// mutator of item state; AcquireLock is the sole arbiter of item ownership.
// Everything else layers on top of these two primitives.
type Store interface {
	// CreateItem inserts a new work item in its initial state. The first
	// transition row is written by the CREATED -> READY transition.
	CreateItem(ctx context.Context, item *WorkItem) error

	GetItem(ctx context.Context, id string) (*WorkItem, error)
	ListItems(ctx context.Context, f ItemFilter) ([]*WorkItem, int, error)

	// CompareAndTransition atomically applies req when the item's state and
	// version match, returning the updated snapshot. It returns ErrConflict
	// when zero rows match, ErrNotFound when the item does not exist, and
	// ErrIllegalTransition when req.From -> req.To is not legal.
	CompareAndTransition(ctx context.Context, req TransitionRequest) (*WorkItem, error)

	History(ctx context.Context, itemID string) ([]*Transition, error)

	// AcquireLock grants the lease iff the current lock is empty or expired.
	AcquireLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error)
	// ExtendLock renews the lease iff workerID still holds a live lock.
	ExtendLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error)
	// ReleaseLock clears the lock iff workerID is still the holder.
	ReleaseLock(ctx context.Context, itemID, workerID string) (bool, error)

	// NextReady returns claimable items in dispatch order: READY items that
	// are due and unlocked, plus RUNNING items whose lease has lapsed.
	NextReady(ctx context.Context, now time.Time, limit int) ([]*WorkItem, error)

	// DueItems returns items in the given state whose next_attempt_at has
	// passed, for the resume sweeper.
	DueItems(ctx context.Context, state workflow.State, now time.Time, limit int) ([]*WorkItem, error)

	// RequestCancel flags a RUNNING item for stage-boundary cancellation.
	RequestCancel(ctx context.Context, itemID, reason string) error

	// Outbox.
	AppendEvent(ctx context.Context, ev *Event) error
	UndeliveredEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkDelivered(ctx context.Context, eventID string) error
	MarkDeliveryFailed(ctx context.Context, eventID string) error

	// Metrics.
	RecordMetric(ctx context.Context, m *Metric) error

	// Quota counters and usage log.
	GetQuotaCounter(ctx context.Context, service, window string) (*QuotaCounter, error)
	ListQuotaCounters(ctx context.Context, service string) ([]*QuotaCounter, error)
	// IncrementQuota adds amount to the (service, window) counter, resetting
	// it first when the stored window_start predates windowStart. Returns
	// the resulting used value.
	IncrementQuota(ctx context.Context, service, window string, amount int64, windowStart time.Time) (int64, error)
	ListQuotaLimits(ctx context.Context, service string) ([]*QuotaLimitRow, error)
	AppendQuotaUsage(ctx context.Context, u *QuotaUsage) error

	// Dead letters.
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Read-only aggregations for the observability views.
	StateCounts(ctx context.Context) (map[workflow.State]int, error)
	StageDurationStats(ctx context.Context, since time.Time) (map[workflow.Stage]DurationStats, error)
	StateDurationStats(ctx context.Context, since time.Time) (map[workflow.State]DurationStats, error)
	CompletedPerHour(ctx context.Context, since time.Time) ([]HourlyCount, error)
	ErrorBreakdown(ctx context.Context, since time.Time) (map[workflow.FailureClass]int, error)
	QuotaUsageHistory(ctx context.Context, service string, since time.Time) ([]HourlyQuotaUsage, error)
}
