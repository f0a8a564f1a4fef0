package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	name    string
	seen    []*store.Event
	failIDs map[string]int // event ID -> remaining failures
}

func (r *recordingSubscriber) Name() string { return r.name }

func (r *recordingSubscriber) Handle(_ context.Context, ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.failIDs[ev.ID]; ok && n > 0 {
		r.failIDs[ev.ID] = n - 1
		return errors.New("subscriber unavailable")
	}
	r.seen = append(r.seen, ev)
	return nil
}

func (r *recordingSubscriber) types() []workflow.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.EventType, len(r.seen))
	for i, ev := range r.seen {
		out[i] = ev.Type
	}
	return out
}

func appendEvents(t *testing.T, s *store.MemoryStore, itemID string, types ...workflow.EventType) []*store.Event {
	t.Helper()
	for _, typ := range types {
		require.NoError(t, s.AppendEvent(context.Background(), &store.Event{WorkItemID: itemID, Type: typ}))
	}
	events, err := s.UndeliveredEvents(context.Background(), 100)
	require.NoError(t, err)
	return events
}

func TestDrainDeliversInOrder(t *testing.T) {
	s := store.NewMemoryStore()
	sub := &recordingSubscriber{name: "rec"}
	bus := NewBus(s, sub)

	appendEvents(t, s, "a",
		workflow.EventStateChanged, workflow.EventStageStarted, workflow.EventStageCompleted)

	require.NoError(t, bus.Drain(context.Background()))
	assert.Equal(t, []workflow.EventType{
		workflow.EventStateChanged, workflow.EventStageStarted, workflow.EventStageCompleted,
	}, sub.types())

	remaining, err := s.UndeliveredEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFailureBlocksLaterEventsForSameItemOnly(t *testing.T) {
	s := store.NewMemoryStore()
	events := appendEvents(t, s, "a", workflow.EventStateChanged)
	appendEvents(t, s, "a", workflow.EventStageStarted)
	appendEvents(t, s, "b", workflow.EventStateChanged)

	// First event of item a fails through all retries in the first drain.
	sub := &recordingSubscriber{
		name:    "rec",
		failIDs: map[string]int{events[0].ID: subscriberRetries},
	}
	bus := NewBus(s, sub)

	require.NoError(t, bus.Drain(context.Background()))
	assert.Equal(t, []workflow.EventType{workflow.EventStateChanged}, sub.types())

	got, err := s.UndeliveredEvents(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].WorkItemID)
	assert.Equal(t, 1, got[0].Attempts)

	// Next drain succeeds and catches item a up in order.
	require.NoError(t, bus.Drain(context.Background()))
	assert.Equal(t, []workflow.EventType{
		workflow.EventStateChanged, workflow.EventStateChanged, workflow.EventStageStarted,
	}, sub.types())
}

func TestTransientSubscriberErrorRetriedWithinDrain(t *testing.T) {
	s := store.NewMemoryStore()
	events := appendEvents(t, s, "a", workflow.EventStateChanged)

	sub := &recordingSubscriber{
		name:    "rec",
		failIDs: map[string]int{events[0].ID: 1}, // fails once, then succeeds
	}
	bus := NewBus(s, sub)

	require.NoError(t, bus.Drain(context.Background()))
	assert.Len(t, sub.types(), 1)

	remaining, err := s.UndeliveredEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAllSubscribersMustAccept(t *testing.T) {
	s := store.NewMemoryStore()
	events := appendEvents(t, s, "a", workflow.EventStateChanged)

	good := &recordingSubscriber{name: "good"}
	bad := &recordingSubscriber{
		name:    "bad",
		failIDs: map[string]int{events[0].ID: subscriberRetries},
	}
	bus := NewBus(s, good, bad)

	require.NoError(t, bus.Drain(context.Background()))

	// The event stays undelivered; the good subscriber will see it again.
	remaining, err := s.UndeliveredEvents(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Len(t, good.types(), 1)

	require.NoError(t, bus.Drain(context.Background()))
	assert.Len(t, good.types(), 2) // at-least-once: redelivered
	assert.Len(t, bad.types(), 1)
}
