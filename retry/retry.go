// Package retry decides what happens to a failed work item: schedule another
// attempt, park it for an operator, or give up and dead-letter it.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/labelsquor/orchestrator/workflow"
)

// Action is the disposition of a failure.
type Action string

const (
	// ActionRetry schedules another attempt after a backoff delay.
	ActionRetry Action = "retry"
	// ActionRetryAtReset schedules another attempt at the throttle reset
	// instant, without consuming the attempt budget.
	ActionRetryAtReset Action = "retry_at_reset"
	// ActionSuspend parks the item for manual intervention.
	ActionSuspend Action = "suspend"
	// ActionDeadLetter gives up permanently.
	ActionDeadLetter Action = "dead_letter"
)

// Policy holds the backoff shape and per-class attempt budgets.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, applied as +/- jitter
	Cap         time.Duration
	MaxAttempts int // transient attempts before dead-lettering

	// rand returns a value in [0, 1); overridable in tests.
	rand func() float64
}

// Default returns the production policy: 60s base doubling up to 1h with
// +/-20% jitter, and three transient attempts.
func Default() *Policy {
	return &Policy{
		Base:        60 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		Cap:         time.Hour,
		MaxAttempts: 3,
		rand:        rand.Float64,
	}
}

// Disposition maps a failure class and the item's attempt count (after the
// failing attempt was counted) to an action.
func (p *Policy) Disposition(class workflow.FailureClass, attempts int) Action {
	switch class {
	case workflow.FailureTransient:
		if attempts >= p.MaxAttempts {
			return ActionDeadLetter
		}
		return ActionRetry
	case workflow.FailureRateLimit:
		return ActionRetryAtReset
	case workflow.FailureValidation:
		return ActionSuspend
	case workflow.FailureFatal:
		return ActionDeadLetter
	default:
		// Unknown classes get the transient treatment.
		if attempts >= p.MaxAttempts {
			return ActionDeadLetter
		}
		return ActionRetry
	}
}

// NextDelay computes the backoff before the given attempt number (1-based).
// The exponential delay is capped first, then jittered, so the cap bounds the
// center of the jitter band rather than its edge.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if capped := float64(p.Cap); p.Cap > 0 && delay > capped {
		delay = capped
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		// Uniform in [-jitter, +jitter].
		delay *= 1 + p.Jitter*(2*r()-1)
	}
	return time.Duration(delay)
}
