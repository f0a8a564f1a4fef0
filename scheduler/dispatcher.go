// Package scheduler feeds workers and wakes parked items. The dispatcher
// orders claim candidates; the sweeper moves due RETRY_SCHEDULED and
// QUOTA_EXCEEDED items back to READY.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/labelsquor/orchestrator/store"
)

const (
	defaultBatchSize = 50
	advisoryClaimTTL = 5 * time.Second
)

// Dispatcher hands out claim candidates in priority order. It keeps a short
// advisory memory of recently handed-out items so two local workers don't
// chase the same candidate; the store's lock and compare-and-transition are
// the real arbiters.
type Dispatcher struct {
	store store.Store
	batch int

	mu     sync.Mutex
	buffer []*store.WorkItem
	handed map[string]time.Time
}

// NewDispatcher creates a dispatcher over the store.
func NewDispatcher(s store.Store) *Dispatcher {
	return &Dispatcher{
		store:  s,
		batch:  defaultBatchSize,
		handed: make(map[string]time.Time),
	}
}

// Next returns the next claim candidate, or (nil, nil) when nothing is
// dispatchable.
func (d *Dispatcher) Next(ctx context.Context) (*store.WorkItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, at := range d.handed {
		if now.Sub(at) > advisoryClaimTTL {
			delete(d.handed, id)
		}
	}

	if len(d.buffer) == 0 {
		items, err := d.store.NextReady(ctx, now, d.batch)
		if err != nil {
			return nil, err
		}
		d.buffer = items
	}

	for len(d.buffer) > 0 {
		item := d.buffer[0]
		d.buffer = d.buffer[1:]
		if _, recent := d.handed[item.ID]; recent {
			continue
		}
		d.handed[item.ID] = now
		return item, nil
	}
	return nil, nil
}
