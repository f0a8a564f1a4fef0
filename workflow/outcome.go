package workflow

import (
	"fmt"
	"time"
)

// StageSummary is the opaque per-stage output a handler reports back.
type StageSummary map[string]any

// PartialResults preserves the outputs of completed stages so an interrupted
// run can resume without redoing work. Interrupted holds output from stages
// that were cut short; it never counts toward progress.
type PartialResults struct {
	Completed          map[Stage]StageSummary `json:"completed,omitempty"`
	Interrupted        map[Stage]StageSummary `json:"interrupted,omitempty"`
	LastStageAttempted Stage                  `json:"last_stage_attempted,omitempty"`
	ProgressPercentage float64                `json:"progress_percentage"`
}

// Merge returns a copy of p with the given stage summary recorded and the
// progress percentage recomputed. A nil receiver is treated as empty.
func (p *PartialResults) Merge(stage Stage, summary StageSummary) *PartialResults {
	out := &PartialResults{Completed: map[Stage]StageSummary{}}
	if p != nil {
		for s, v := range p.Completed {
			out.Completed[s] = v
		}
		for s, v := range p.Interrupted {
			if out.Interrupted == nil {
				out.Interrupted = map[Stage]StageSummary{}
			}
			out.Interrupted[s] = v
		}
		out.LastStageAttempted = p.LastStageAttempted
	}
	if summary != nil {
		out.Completed[stage] = summary
		delete(out.Interrupted, stage)
	}
	out.ProgressPercentage = Progress(len(out.Completed))
	return out
}

// MergeInterrupted returns a copy of p with the in-flight stage's output
// stashed without marking the stage completed.
func (p *PartialResults) MergeInterrupted(stage Stage, summary StageSummary) *PartialResults {
	out := p.Merge("", nil)
	out.LastStageAttempted = stage
	if summary != nil {
		if out.Interrupted == nil {
			out.Interrupted = map[Stage]StageSummary{}
		}
		out.Interrupted[stage] = summary
	}
	return out
}

// HasStage reports whether the stage already has a recorded summary.
func (p *PartialResults) HasStage(stage Stage) bool {
	if p == nil {
		return false
	}
	_, ok := p.Completed[stage]
	return ok
}

// OutcomeKind tags the result of a single stage execution.
type OutcomeKind string

const (
	OutcomeDone    OutcomeKind = "done"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeQuota   OutcomeKind = "quota_exceeded"
	OutcomePartial OutcomeKind = "partial"
	OutcomeWaiting OutcomeKind = "waiting"
)

// Outcome is the normalized result of running one stage handler. Exactly one
// constructor below should be used; the zero value is not a valid outcome.
type Outcome struct {
	Kind    OutcomeKind
	Summary StageSummary

	// Failure details (Kind == OutcomeFailed).
	Class  FailureClass
	Reason string

	// Quota details (Kind == OutcomeQuota).
	Service string
	ResetAt time.Time
}

// StageDone reports a successfully completed stage.
func StageDone(summary StageSummary) Outcome {
	return Outcome{Kind: OutcomeDone, Summary: summary}
}

// StageFailed reports a failed stage with its failure class.
func StageFailed(class FailureClass, reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Class: class, Reason: reason}
}

// QuotaExhausted reports that an external service quota blocked the stage.
// The summary carries whatever partial output the handler produced.
func QuotaExhausted(service string, resetAt time.Time, summary StageSummary) Outcome {
	return Outcome{Kind: OutcomeQuota, Service: service, ResetAt: resetAt, Summary: summary}
}

// StagePartial reports progress within a stage without advancing past it;
// the item is requeued at the same stage.
func StagePartial(summary StageSummary) Outcome {
	return Outcome{Kind: OutcomePartial, Summary: summary}
}

// StageWaiting parks the item until an external wake call arrives.
func StageWaiting(reason string) Outcome {
	return Outcome{Kind: OutcomeWaiting, Reason: reason}
}

// StageError is a typed failure a handler may return to select its retry
// class. Untyped errors are classified as transient by the executor.
type StageError struct {
	Class  FailureClass
	Reason string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage failed (%s): %s", e.Class, e.Reason)
}

// QuotaError signals quota exhaustion from inside a handler, carrying the
// instant at which the exhausted window resets.
type QuotaError struct {
	Service string
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s, resets at %s", e.Service, e.ResetAt.UTC().Format(time.RFC3339))
}
