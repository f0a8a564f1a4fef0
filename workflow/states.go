package workflow

// State is the position of a work item in the orchestrator state machine.
type State string

const (
	StateCreated  State = "created"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateWaiting  State = "waiting" // waiting for an external signal
	StateFailed   State = "failed"
	StateSuspended State = "suspended" // manual intervention needed

	StateRetryScheduled State = "retry_scheduled"
	StateQuotaExceeded  State = "quota_exceeded" // waiting for quota reset

	// Terminal states.
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateDeadLettered State = "dead_lettered"
)

// Stage is a pipeline step executed while an item is RUNNING.
type Stage string

const (
	StageDiscovery    Stage = "discovery"
	StageImageFetch   Stage = "image_fetch"
	StageEnrichment   Stage = "enrichment"
	StageDataMapping  Stage = "data_mapping"
	StageScoring      Stage = "scoring"
	StageIndexing     Stage = "indexing"
	StageNotification Stage = "notification"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageDiscovery,
	StageImageFetch,
	StageEnrichment,
	StageDataMapping,
	StageScoring,
	StageIndexing,
	StageNotification,
}

// transitions is the fixed legal-transition table. Any pair not present is
// rejected with ErrIllegalTransition by the store.
//
// RUNNING -> CANCELLED is the stage-boundary cancellation performed by the
// owning worker; every other path into CANCELLED comes from a parked state.
var transitions = map[State][]State{
	StateCreated: {StateReady},
	StateReady:   {StateRunning, StateCancelled},
	StateRunning: {
		StateCompleted, StateReady, StateWaiting,
		StateFailed, StateQuotaExceeded, StateCancelled,
	},
	StateFailed:         {StateRetryScheduled, StateSuspended, StateDeadLettered, StateReady},
	StateRetryScheduled: {StateReady, StateCancelled},
	StateQuotaExceeded:  {StateReady, StateCancelled},
	StateSuspended:      {StateReady, StateCancelled},
	StateWaiting:        {StateReady, StateCancelled},
	StateCompleted:      {},
	StateCancelled:      {},
	StateDeadLettered:   {},
}

// CanTransition reports whether from -> to is in the legal-transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is a sink with no outbound transitions.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateCancelled || s == StateDeadLettered
}

// IsValidState reports whether s belongs to the closed state set.
func IsValidState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// StageIndex returns the zero-based position of the stage in the pipeline,
// or -1 if the stage is unknown.
func StageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStage returns the stage following s. ok is false when s is the final
// stage (or unknown) and the item should complete instead.
func NextStage(s Stage) (next Stage, ok bool) {
	i := StageIndex(s)
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}

// Progress converts a number of completed stages into a percentage of the
// full pipeline.
func Progress(completedStages int) float64 {
	return float64(completedStages) / float64(len(Stages)) * 100
}

// EventType enumerates the durable outbox event kinds.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventStageStarted  EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed   EventType = "stage_failed"
	EventQuotaExceeded EventType = "quota_exceeded"
	EventResumed       EventType = "resumed"
	EventLocked        EventType = "locked"
	EventUnlocked      EventType = "unlocked"
	EventDeadLettered  EventType = "dead_lettered"
)

// FailureClass classifies a stage failure for the retry policy.
type FailureClass string

const (
	FailureTransient  FailureClass = "transient"  // network, 5xx, timeouts
	FailureRateLimit  FailureClass = "rate_limit" // external throttling with a reset hint
	FailureValidation FailureClass = "validation" // bad input, schema mismatch
	FailureFatal      FailureClass = "fatal"      // unrecoverable
)
