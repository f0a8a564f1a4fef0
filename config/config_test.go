package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 4, c.NumWorkers)
	assert.Equal(t, 300*time.Second, c.LockLease)
	assert.Equal(t, 300*time.Second, c.StageTimeout)
	assert.Equal(t, 15*time.Second, c.SweepInterval)
	assert.Equal(t, 3, c.RetryMaxAttempts)
	assert.Equal(t, "gemini", c.QuotaService)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_WORKERS", "16")
	t.Setenv("ORCHESTRATOR_LOCK_LEASE_SECONDS", "600")
	t.Setenv("ORCHESTRATOR_QUOTA_SERVICE", "vertex")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 16, c.NumWorkers)
	assert.Equal(t, 600*time.Second, c.LockLease)
	assert.Equal(t, "vertex", c.QuotaService)
}

func TestInvalidValues(t *testing.T) {
	t.Setenv("ORCHESTRATOR_WORKERS", "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestStageTimeoutBoundedByLease(t *testing.T) {
	t.Setenv("ORCHESTRATOR_STAGE_TIMEOUT_SECONDS", "900")
	t.Setenv("ORCHESTRATOR_LOCK_LEASE_SECONDS", "300")
	_, err := FromEnv()
	assert.Error(t, err)
}
