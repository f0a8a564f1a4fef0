// Package quota enforces tumbling-window budgets for external services and
// records what each call cost. Admission is checked against an estimate
// before work starts; actual usage is recorded after, so a call admitted
// near the boundary may push a window slightly over its limit. That bounded
// over-commit is accepted: the next admission check sees the counter and
// denies.
package quota

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/store"
)

// Store is the slice of the persistence layer the quota manager needs.
type Store interface {
	GetQuotaCounter(ctx context.Context, service, window string) (*store.QuotaCounter, error)
	IncrementQuota(ctx context.Context, service, window string, amount int64, windowStart time.Time) (int64, error)
	ListQuotaLimits(ctx context.Context, service string) ([]*store.QuotaLimitRow, error)
	AppendQuotaUsage(ctx context.Context, u *store.QuotaUsage) error
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	// Window names the first exhausted window when denied.
	Window string
	// ResetAt is the earliest instant at which an exhausted window tumbles.
	ResetAt time.Time
}

// WindowStatus is one window's position for the status view.
type WindowStatus struct {
	Window      string    `json:"window"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	Remaining   int64     `json:"remaining"`
	Utilization float64   `json:"utilization"`
	ResetAt     time.Time `json:"reset_at"`
}

const limitCacheTTL = time.Minute

// Manager checks and records quota consumption for external services.
type Manager struct {
	store Store
	now   func() time.Time

	mu         sync.Mutex
	limits     map[string]map[string]int64 // service -> window -> limit
	limitsAsOf map[string]time.Time
}

// NewManager creates a quota manager over the given store.
func NewManager(s Store) *Manager {
	return &Manager{
		store:      s,
		now:        time.Now,
		limits:     make(map[string]map[string]int64),
		limitsAsOf: make(map[string]time.Time),
	}
}

// Check decides whether a call estimated at estimatedTokens may proceed.
// When denied, the decision carries the exhausted window and the earliest
// reset instant to park the item until.
func (m *Manager) Check(ctx context.Context, service string, estimatedTokens int64) (Decision, error) {
	limits, err := m.serviceLimits(ctx, service)
	if err != nil {
		return Decision{}, err
	}
	now := m.now()

	decision := Decision{Allowed: true}
	for _, window := range Windows {
		limit := limits[window]
		if limit <= 0 {
			continue
		}
		used, err := m.windowUsed(ctx, service, window, now)
		if err != nil {
			return Decision{}, err
		}
		estimate := int64(1)
		if tokenWindow(window) {
			estimate = estimatedTokens
		}
		if used+estimate < limit {
			continue
		}
		reset := windowReset(window, now)
		if decision.Allowed || reset.Before(decision.ResetAt) {
			decision = Decision{Allowed: false, Window: window, ResetAt: reset}
		}
	}

	if !decision.Allowed {
		log.WithFields(log.Fields{
			"service":  service,
			"window":   decision.Window,
			"reset_at": decision.ResetAt.Format(time.RFC3339),
		}).Info("quota admission denied")
	}
	return decision, nil
}

// HasCapacity reports whether a minimal call (one request, zero tokens)
// would currently be admitted. The resume sweeper uses it before waking
// quota-parked items.
func (m *Manager) HasCapacity(ctx context.Context, service string) (bool, error) {
	d, err := m.Check(ctx, service, 0)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// ResetInstant returns the earliest reset of any currently exhausted window.
// ok is false when no window is exhausted.
func (m *Manager) ResetInstant(ctx context.Context, service string) (resetAt time.Time, ok bool, err error) {
	d, err := m.Check(ctx, service, 0)
	if err != nil {
		return time.Time{}, false, err
	}
	if d.Allowed {
		return time.Time{}, false, nil
	}
	return d.ResetAt, true, nil
}

// Record charges actual usage against every window and appends the usage log
// row. It never denies; admission happened at Check time.
func (m *Manager) Record(ctx context.Context, service string, u Usage) error {
	now := m.now()
	for _, window := range Windows {
		amount := int64(1)
		if tokenWindow(window) {
			amount = u.Tokens()
		}
		if amount == 0 {
			continue
		}
		if _, err := m.store.IncrementQuota(ctx, service, window, amount, windowStart(window, now)); err != nil {
			return err
		}
	}
	return m.store.AppendQuotaUsage(ctx, &store.QuotaUsage{
		Service:      service,
		WorkItemID:   u.WorkItemID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		ImageCount:   u.Images,
		Cost:         u.Cost(),
	})
}

// Status returns the per-window position of the service.
func (m *Manager) Status(ctx context.Context, service string) ([]WindowStatus, error) {
	limits, err := m.serviceLimits(ctx, service)
	if err != nil {
		return nil, err
	}
	now := m.now()

	out := make([]WindowStatus, 0, len(Windows))
	for _, window := range Windows {
		used, err := m.windowUsed(ctx, service, window, now)
		if err != nil {
			return nil, err
		}
		limit := limits[window]
		ws := WindowStatus{
			Window:    window,
			Limit:     limit,
			Used:      used,
			Remaining: limit - used,
			ResetAt:   windowReset(window, now),
		}
		if ws.Remaining < 0 {
			ws.Remaining = 0
		}
		if limit > 0 {
			ws.Utilization = float64(used) / float64(limit)
		}
		out = append(out, ws)
	}
	return out, nil
}

// windowUsed reads the counter, treating a counter from a previous window as
// zero: tumbling resets are lazy and happen on the next increment.
func (m *Manager) windowUsed(ctx context.Context, service, window string, now time.Time) (int64, error) {
	c, err := m.store.GetQuotaCounter(ctx, service, window)
	if err != nil {
		return 0, err
	}
	if c == nil || c.WindowStart.Before(windowStart(window, now)) {
		return 0, nil
	}
	return c.Used, nil
}

// serviceLimits resolves defaults overlaid with persisted overrides, cached
// briefly so hot admission paths don't hit the limits table per check.
func (m *Manager) serviceLimits(ctx context.Context, service string) (map[string]int64, error) {
	m.mu.Lock()
	if asOf, ok := m.limitsAsOf[service]; ok && m.now().Sub(asOf) < limitCacheTTL {
		limits := m.limits[service]
		m.mu.Unlock()
		return limits, nil
	}
	m.mu.Unlock()

	rows, err := m.store.ListQuotaLimits(ctx, service)
	if err != nil {
		return nil, err
	}
	limits := make(map[string]int64, len(DefaultLimits))
	for window, limit := range DefaultLimits {
		limits[window] = limit
	}
	for _, row := range rows {
		limits[row.Window] = row.Limit
	}

	m.mu.Lock()
	m.limits[service] = limits
	m.limitsAsOf[service] = m.now()
	m.mu.Unlock()
	return limits, nil
}
