package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/labelsquor/orchestrator/workflow"
)

func fixedPolicy(r float64) *Policy {
	p := Default()
	p.rand = func() float64 { return r }
	return p
}

func TestDisposition(t *testing.T) {
	p := Default()

	assert.Equal(t, ActionRetry, p.Disposition(workflow.FailureTransient, 1))
	assert.Equal(t, ActionRetry, p.Disposition(workflow.FailureTransient, 2))
	assert.Equal(t, ActionDeadLetter, p.Disposition(workflow.FailureTransient, 3))

	assert.Equal(t, ActionRetryAtReset, p.Disposition(workflow.FailureRateLimit, 99))
	assert.Equal(t, ActionSuspend, p.Disposition(workflow.FailureValidation, 1))
	assert.Equal(t, ActionDeadLetter, p.Disposition(workflow.FailureFatal, 1))

	// Unclassified failures follow the transient budget.
	assert.Equal(t, ActionRetry, p.Disposition(workflow.FailureClass("weird"), 1))
	assert.Equal(t, ActionDeadLetter, p.Disposition(workflow.FailureClass("weird"), 3))
}

func TestNextDelayExponential(t *testing.T) {
	p := fixedPolicy(0.5) // jitter factor of exactly 1.0

	assert.Equal(t, 60*time.Second, p.NextDelay(1))
	assert.Equal(t, 120*time.Second, p.NextDelay(2))
	assert.Equal(t, 240*time.Second, p.NextDelay(3))
}

func TestNextDelayCap(t *testing.T) {
	p := fixedPolicy(0.5)
	// 60s * 2^9 would be well past an hour.
	assert.Equal(t, time.Hour, p.NextDelay(10))
}

func TestNextDelayJitterBounds(t *testing.T) {
	low := fixedPolicy(0).NextDelay(1)
	high := fixedPolicy(1).NextDelay(1)

	assert.Equal(t, 48*time.Second, low)
	assert.Equal(t, 72*time.Second, high)

	p := Default()
	for i := 0; i < 100; i++ {
		d := p.NextDelay(1)
		assert.GreaterOrEqual(t, d, 48*time.Second)
		assert.LessOrEqual(t, d, 72*time.Second)
	}
}
