package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/workflow"
)

// MemoryStore is an in-memory Store with the same semantics as PostgresStore.
// It backs the test suites and single-process deployments.
type MemoryStore struct {
	mu sync.Mutex

	// Now is the clock; tests may override it to drive lease expiry.
	Now func() time.Time

	items       map[string]*WorkItem
	transitions map[string][]*Transition
	events      []*Event
	eventSeq    int64
	metrics     []*Metric
	counters    map[string]*QuotaCounter
	limits      map[string]*QuotaLimitRow
	usage       []*QuotaUsage
	deadLetters []*DeadLetter
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:         time.Now,
		items:       make(map[string]*WorkItem),
		transitions: make(map[string][]*Transition),
		counters:    make(map[string]*QuotaCounter),
		limits:      make(map[string]*QuotaLimitRow),
	}
}

func (s *MemoryStore) CreateItem(ctx context.Context, item *WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("work item %s already exists", item.ID)
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) ListItems(ctx context.Context, f ItemFilter) ([]*WorkItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.Now().Add(-f.OlderThan)
	var matched []*WorkItem
	for _, item := range s.items {
		if f.State != "" && item.State != f.State {
			continue
		}
		if f.Stage != "" && item.Stage != f.Stage {
			continue
		}
		if f.Priority != nil && item.Priority != *f.Priority {
			continue
		}
		if f.OlderThan > 0 && item.EnqueuedAt.After(cutoff) {
			continue
		}
		matched = append(matched, item)
	}
	sortDispatchOrder(matched)

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*WorkItem, 0, len(matched))
	for _, item := range matched {
		out = append(out, cloneItem(item))
	}
	return out, total, nil
}

func (s *MemoryStore) CompareAndTransition(ctx context.Context, req TransitionRequest) (*WorkItem, error) {
	if !workflow.CanTransition(req.From, req.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, req.From, req.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[req.ItemID]
	if !ok {
		return nil, ErrNotFound
	}
	if item.State != req.From || item.Version != req.ExpectedVersion {
		return nil, ErrConflict
	}

	now := s.Now().UTC()
	item.State = req.To
	item.Version++

	if req.AdvanceStage != nil {
		item.Stage = *req.AdvanceStage
	}
	if req.NextAttemptAt != nil {
		t := req.NextAttemptAt.UTC()
		item.NextAttemptAt = &t
	} else if req.ClearNextAttempt {
		item.NextAttemptAt = nil
	}
	if req.IncrementAttempt {
		item.AttemptCount++
	}
	if req.IncrementQuotaCount {
		item.QuotaExceededCount++
	}
	if req.PartialResults != nil {
		item.PartialResults = req.PartialResults
	}
	if req.LastError != nil {
		item.LastError = req.LastError
	}
	if req.MarkStarted && item.StartedAt == nil {
		t := now
		item.StartedAt = &t
	}
	if req.MarkCompleted {
		t := now
		item.CompletedAt = &t
	}
	if req.ReleaseLock {
		item.LockHolder = ""
		item.LockAcquiredAt = nil
		item.LockExpiresAt = nil
	}
	if req.ClearCancelRequest {
		item.CancelRequested = false
	}

	// Time spent in the prior state, measured against the previous
	// transition (or enqueue for the first one).
	lastAt := item.EnqueuedAt
	if prior := s.transitions[req.ItemID]; len(prior) > 0 {
		lastAt = prior[len(prior)-1].At
	}
	s.metrics = append(s.metrics, &Metric{
		ID:         uuid.NewString(),
		WorkItemID: req.ItemID,
		Kind:       MetricStateDuration,
		Name:       string(req.From),
		Value:      float64(now.Sub(lastAt).Milliseconds()),
		At:         now,
	})

	s.transitions[req.ItemID] = append(s.transitions[req.ItemID], &Transition{
		ID:         uuid.NewString(),
		WorkItemID: req.ItemID,
		FromState:  req.From,
		ToState:    req.To,
		Stage:      req.Stage,
		Reason:     req.Reason,
		Metadata:   req.Metadata,
		Actor:      req.Actor,
		At:         now,
	})

	s.appendEventLocked(req.ItemID, workflow.EventStateChanged, map[string]any{
		"from":   string(req.From),
		"to":     string(req.To),
		"stage":  string(req.Stage),
		"reason": req.Reason,
		"actor":  req.Actor,
	}, now)
	for _, ev := range req.Events {
		s.appendEventLocked(req.ItemID, ev.Type, ev.Payload, now)
	}

	if req.DeadLetter != nil {
		dl := *req.DeadLetter
		if dl.ID == "" {
			dl.ID = uuid.NewString()
		}
		dl.At = now
		s.deadLetters = append(s.deadLetters, &dl)
	}

	return cloneItem(item), nil
}

func (s *MemoryStore) History(ctx context.Context, itemID string) ([]*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.transitions[itemID]
	out := make([]*Transition, len(rows))
	for i, t := range rows {
		c := *t
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return false, ErrNotFound
	}
	now := s.Now().UTC()
	if item.LockHolder != "" && item.LockExpiresAt != nil && item.LockExpiresAt.After(now) {
		return false, nil
	}
	item.LockHolder = workerID
	acquired := now
	expires := now.Add(lease)
	item.LockAcquiredAt = &acquired
	item.LockExpiresAt = &expires
	s.appendEventLocked(itemID, workflow.EventLocked, map[string]any{"worker": workerID}, now)
	return true, nil
}

func (s *MemoryStore) ExtendLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return false, ErrNotFound
	}
	now := s.Now().UTC()
	if item.LockHolder != workerID || item.LockExpiresAt == nil || !item.LockExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(lease)
	item.LockExpiresAt = &expires
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, itemID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return false, ErrNotFound
	}
	if item.LockHolder != workerID {
		return false, nil
	}
	item.LockHolder = ""
	item.LockAcquiredAt = nil
	item.LockExpiresAt = nil
	s.appendEventLocked(itemID, workflow.EventUnlocked, map[string]any{"worker": workerID}, s.Now().UTC())
	return true, nil
}

func (s *MemoryStore) NextReady(ctx context.Context, now time.Time, limit int) ([]*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*WorkItem
	for _, item := range s.items {
		switch item.State {
		case workflow.StateReady:
			if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
				continue
			}
			if item.LockHolder != "" && item.LockExpiresAt != nil && item.LockExpiresAt.After(now) {
				continue
			}
		case workflow.StateRunning:
			if item.LockExpiresAt == nil || item.LockExpiresAt.After(now) {
				continue
			}
		default:
			continue
		}
		matched = append(matched, item)
	}
	sortDispatchOrder(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*WorkItem, 0, len(matched))
	for _, item := range matched {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

func (s *MemoryStore) DueItems(ctx context.Context, state workflow.State, now time.Time, limit int) ([]*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*WorkItem
	for _, item := range s.items {
		if item.State != state || item.NextAttemptAt == nil || item.NextAttemptAt.After(now) {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].NextAttemptAt.Before(*matched[j].NextAttemptAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*WorkItem, 0, len(matched))
	for _, item := range matched {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, itemID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.State != workflow.StateRunning {
		return ErrConflict
	}
	item.CancelRequested = true
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	item.Metadata["cancel_reason"] = reason
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(ev.WorkItemID, ev.Type, ev.Payload, s.Now().UTC())
	return nil
}

func (s *MemoryStore) appendEventLocked(itemID string, typ workflow.EventType, payload map[string]any, at time.Time) {
	s.eventSeq++
	s.events = append(s.events, &Event{
		ID:         uuid.NewString(),
		Seq:        s.eventSeq,
		WorkItemID: itemID,
		Type:       typ,
		Payload:    payload,
		At:         at,
	})
}

func (s *MemoryStore) UndeliveredEvents(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, ev := range s.events {
		if ev.Delivered {
			continue
		}
		c := *ev
		out = append(out, &c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == eventID {
			ev.Delivered = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) MarkDeliveryFailed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == eventID {
			ev.Attempts++
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) RecordMetric(ctx context.Context, m *Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.At.IsZero() {
		c.At = s.Now().UTC()
	}
	s.metrics = append(s.metrics, &c)
	return nil
}

func (s *MemoryStore) GetQuotaCounter(ctx context.Context, service, window string) (*QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[service+"|"+window]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListQuotaCounters(ctx context.Context, service string) ([]*QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*QuotaCounter
	for key, c := range s.counters {
		if !strings.HasPrefix(key, service+"|") {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) IncrementQuota(ctx context.Context, service, window string, amount int64, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := service + "|" + window
	c, ok := s.counters[key]
	if !ok || c.WindowStart.Before(windowStart) {
		c = &QuotaCounter{Service: service, Window: window, Used: amount, WindowStart: windowStart.UTC()}
		s.counters[key] = c
		return c.Used, nil
	}
	c.Used += amount
	return c.Used, nil
}

// SetQuotaLimit persists a limit override, mirroring rows in quota_limit.
func (s *MemoryStore) SetQuotaLimit(service, window string, limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[service+"|"+window] = &QuotaLimitRow{
		Service: service, Window: window, Limit: limit, UpdatedAt: s.Now().UTC(),
	}
}

func (s *MemoryStore) ListQuotaLimits(ctx context.Context, service string) ([]*QuotaLimitRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*QuotaLimitRow
	for key, l := range s.limits {
		if !strings.HasPrefix(key, service+"|") {
			continue
		}
		lp := *l
		out = append(out, &lp)
	}
	return out, nil
}

func (s *MemoryStore) AppendQuotaUsage(ctx context.Context, u *QuotaUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *u
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.At.IsZero() {
		c.At = s.Now().UTC()
	}
	s.usage = append(s.usage, &c)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*DeadLetter
	for i := len(s.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		c := *s.deadLetters[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) StateCounts(ctx context.Context) (map[workflow.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[workflow.State]int)
	for _, item := range s.items {
		out[item.State]++
	}
	return out, nil
}

func (s *MemoryStore) StageDurationStats(ctx context.Context, since time.Time) (map[workflow.Stage]DurationStats, error) {
	stats := s.durationStats(MetricStageDuration, since)
	out := make(map[workflow.Stage]DurationStats, len(stats))
	for name, st := range stats {
		out[workflow.Stage(name)] = st
	}
	return out, nil
}

func (s *MemoryStore) StateDurationStats(ctx context.Context, since time.Time) (map[workflow.State]DurationStats, error) {
	stats := s.durationStats(MetricStateDuration, since)
	out := make(map[workflow.State]DurationStats, len(stats))
	for name, st := range stats {
		out[workflow.State(name)] = st
	}
	return out, nil
}

func (s *MemoryStore) durationStats(kind MetricKind, since time.Time) map[string]DurationStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make(map[string][]float64)
	for _, m := range s.metrics {
		if m.Kind != kind || m.At.Before(since) {
			continue
		}
		samples[m.Name] = append(samples[m.Name], m.Value)
	}

	out := make(map[string]DurationStats)
	for name, vals := range samples {
		sort.Float64s(vals)
		var sum float64
		for _, v := range vals {
			sum += v
		}
		out[name] = DurationStats{
			Count: len(vals),
			AvgMS: sum / float64(len(vals)),
			MinMS: vals[0],
			MaxMS: vals[len(vals)-1],
			P50MS: percentile(vals, 0.5),
			P95MS: percentile(vals, 0.95),
		}
	}
	return out
}

func (s *MemoryStore) CompletedPerHour(ctx context.Context, since time.Time) ([]HourlyCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make(map[time.Time]int)
	for _, item := range s.items {
		if item.CompletedAt == nil || item.CompletedAt.Before(since) {
			continue
		}
		buckets[item.CompletedAt.UTC().Truncate(time.Hour)]++
	}

	out := make([]HourlyCount, 0, len(buckets))
	for hour, count := range buckets {
		out = append(out, HourlyCount{Hour: hour, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (s *MemoryStore) ErrorBreakdown(ctx context.Context, since time.Time) (map[workflow.FailureClass]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[workflow.FailureClass]int)
	for _, m := range s.metrics {
		if m.Kind != MetricError || m.At.Before(since) {
			continue
		}
		out[workflow.FailureClass(m.Name)]++
	}
	return out, nil
}

func (s *MemoryStore) QuotaUsageHistory(ctx context.Context, service string, since time.Time) ([]HourlyQuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make(map[time.Time]*HourlyQuotaUsage)
	for _, u := range s.usage {
		if u.Service != service || u.At.Before(since) {
			continue
		}
		hour := u.At.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &HourlyQuotaUsage{Hour: hour}
			buckets[hour] = b
		}
		b.Requests++
		b.TotalTokens += u.InputTokens + u.OutputTokens
		b.TotalCost += u.Cost
	}

	out := make([]HourlyQuotaUsage, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func sortDispatchOrder(items []*WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func cloneItem(item *WorkItem) *WorkItem {
	c := *item
	c.StartedAt = cloneTime(item.StartedAt)
	c.CompletedAt = cloneTime(item.CompletedAt)
	c.NextAttemptAt = cloneTime(item.NextAttemptAt)
	c.LockAcquiredAt = cloneTime(item.LockAcquiredAt)
	c.LockExpiresAt = cloneTime(item.LockExpiresAt)
	if item.Metadata != nil {
		c.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			c.Metadata[k] = v
		}
	}
	if item.LastError != nil {
		e := *item.LastError
		c.LastError = &e
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
