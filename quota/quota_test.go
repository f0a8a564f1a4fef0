package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *time.Time) {
	t.Helper()
	s := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 30, 10, 0, time.UTC)
	s.Now = func() time.Time { return now }
	m := NewManager(s)
	m.now = func() time.Time { return now }
	return m, s, &now
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	m, _, _ := newTestManager(t)

	d, err := m.Check(context.Background(), "gemini", 1000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckDeniesAtRequestLimit(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, m.Record(ctx, "gemini", Usage{InputTokens: 10}))
	}

	d, err := m.Check(ctx, "gemini", 1000)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowRequestsPerMinute, d.Window)
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute), d.ResetAt)
}

func TestCheckDeniesOnTokenEstimate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "gemini", Usage{InputTokens: 3_900_000}))

	// 100k more would land exactly on the per-minute token limit.
	d, err := m.Check(ctx, "gemini", 100_000)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowTokensPerMinute, d.Window)

	d, err = m.Check(ctx, "gemini", 50_000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestWindowTumbleRestoresCapacity(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, m.Record(ctx, "gemini", Usage{InputTokens: 10}))
	}
	ok, err := m.HasCapacity(ctx, "gemini")
	require.NoError(t, err)
	assert.False(t, ok)

	*now = now.Add(time.Minute)
	ok, err = m.HasCapacity(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetInstant(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	_, ok, err := m.ResetInstant(ctx, "gemini")
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < 15; i++ {
		require.NoError(t, m.Record(ctx, "gemini", Usage{InputTokens: 10}))
	}

	resetAt, ok, err := m.ResetInstant(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute), resetAt)
}

func TestPersistedLimitOverride(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	s.SetQuotaLimit("gemini", WindowRequestsPerMinute, 2)

	require.NoError(t, m.Record(ctx, "gemini", Usage{InputTokens: 10}))
	d, err := m.Check(ctx, "gemini", 10)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowRequestsPerMinute, d.Window)
}

func TestRecordWritesUsageAndCost(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	u := Usage{WorkItemID: "a", InputTokens: 2000, OutputTokens: 1000, Images: 3}
	require.NoError(t, m.Record(ctx, "gemini", u))

	c, err := s.GetQuotaCounter(ctx, "gemini", WindowTokensPerMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(3000), c.Used)

	c, err = s.GetQuotaCounter(ctx, "gemini", WindowRequestsPerDay)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.Used)

	history, err := s.QuotaUsageHistory(ctx, "gemini", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(3000), history[0].TotalTokens)
	assert.InDelta(t, u.Cost(), history[0].TotalCost, 1e-12)
}

func TestUsageCost(t *testing.T) {
	u := Usage{InputTokens: 1000, OutputTokens: 1000, Images: 1}
	assert.InDelta(t, 0.00001875+0.0000375+0.0001315, u.Cost(), 1e-12)
}

func TestStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "gemini", Usage{InputTokens: 2_000_000}))

	status, err := m.Status(ctx, "gemini")
	require.NoError(t, err)
	byWindow := make(map[string]WindowStatus)
	for _, ws := range status {
		byWindow[ws.Window] = ws
	}

	tpm := byWindow[WindowTokensPerMinute]
	assert.Equal(t, int64(2_000_000), tpm.Used)
	assert.Equal(t, int64(2_000_000), tpm.Remaining)
	assert.InDelta(t, 0.5, tpm.Utilization, 1e-9)

	rpm := byWindow[WindowRequestsPerMinute]
	assert.Equal(t, int64(1), rpm.Used)
	assert.Equal(t, int64(14), rpm.Remaining)
}
