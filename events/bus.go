// Package events drains the durable outbox and fans events out to
// subscribers. Delivery is at-least-once and ordered per work item: an event
// that cannot be delivered blocks later events for the same item, never for
// other items.
package events

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/observability"
	"github.com/labelsquor/orchestrator/store"
)

// Subscriber consumes delivered events. Handle must be safe to call with the
// same event more than once.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, ev *store.Event) error
}

// Outbox is the slice of the store the bus drains.
type Outbox interface {
	UndeliveredEvents(ctx context.Context, limit int) ([]*store.Event, error)
	MarkDelivered(ctx context.Context, eventID string) error
	MarkDeliveryFailed(ctx context.Context, eventID string) error
}

const (
	defaultInterval   = time.Second
	defaultBatchSize  = 100
	subscriberRetries = 3
	retryBackoff      = 100 * time.Millisecond
)

// Bus polls the outbox and delivers pending events.
type Bus struct {
	outbox   Outbox
	subs     []Subscriber
	interval time.Duration
	batch    int
}

// NewBus creates a bus delivering to the given subscribers.
func NewBus(outbox Outbox, subs ...Subscriber) *Bus {
	return &Bus{
		outbox:   outbox,
		subs:     subs,
		interval: defaultInterval,
		batch:    defaultBatchSize,
	}
}

// Start runs the delivery loop until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log.WithField("subscribers", len(b.subs)).Info("event bus started")
	for {
		select {
		case <-ctx.Done():
			log.Info("event bus stopped")
			return
		case <-ticker.C:
			if err := b.Drain(ctx); err != nil {
				log.WithError(err).Error("outbox drain failed")
			}
		}
	}
}

// Drain delivers one batch of undelivered events. Events for an item whose
// earlier event failed in this batch are skipped to preserve per-item order.
func (b *Bus) Drain(ctx context.Context) error {
	pending, err := b.outbox.UndeliveredEvents(ctx, b.batch)
	if err != nil {
		return err
	}

	blocked := make(map[string]bool)
	for _, ev := range pending {
		if blocked[ev.WorkItemID] {
			continue
		}
		if b.deliver(ctx, ev) {
			if err := b.outbox.MarkDelivered(ctx, ev.ID); err != nil {
				return err
			}
			observability.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
			continue
		}
		blocked[ev.WorkItemID] = true
		if err := b.outbox.MarkDeliveryFailed(ctx, ev.ID); err != nil {
			return err
		}
	}
	return nil
}

// deliver attempts the event against every subscriber, retrying each a few
// times. True means all subscribers accepted it.
func (b *Bus) deliver(ctx context.Context, ev *store.Event) bool {
	ok := true
	for _, sub := range b.subs {
		if err := b.deliverTo(ctx, sub, ev); err != nil {
			log.WithFields(log.Fields{
				"subscriber": sub.Name(),
				"event":      ev.ID,
				"type":       ev.Type,
				"item":       ev.WorkItemID,
			}).WithError(err).Warn("event delivery failed")
			observability.EventDeliveryFailures.WithLabelValues(sub.Name()).Inc()
			ok = false
		}
	}
	return ok
}

func (b *Bus) deliverTo(ctx context.Context, sub Subscriber, ev *store.Event) error {
	var err error
	for attempt := 0; attempt < subscriberRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << attempt):
			}
		}
		if err = sub.Handle(ctx, ev); err == nil {
			return nil
		}
	}
	return err
}
