// Package locks provides lease-based item ownership on top of the store's
// lock columns. A lease is held by exactly one worker and kept alive by a
// background renewal loop until released or lost.
package locks

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Locker is the slice of the store the lease manager needs.
type Locker interface {
	AcquireLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error)
	ExtendLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, itemID, workerID string) (bool, error)
}

// Manager acquires and maintains item leases for one worker identity.
type Manager struct {
	locker   Locker
	workerID string
	lease    time.Duration
}

// NewManager creates a lease manager. lease is the full lease duration; the
// keepalive loop renews at a third of it.
func NewManager(locker Locker, workerID string, lease time.Duration) *Manager {
	return &Manager{locker: locker, workerID: workerID, lease: lease}
}

// Acquire attempts to take the lease on itemID. It returns (nil, nil) when
// another worker holds a live lock.
func (m *Manager) Acquire(ctx context.Context, itemID string) (*Lease, error) {
	ok, err := m.locker.AcquireLock(ctx, itemID, m.workerID, m.lease)
	if err != nil || !ok {
		return nil, err
	}
	l := &Lease{
		manager: m,
		itemID:  itemID,
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
	go l.keepalive()
	return l, nil
}

// Lease is a held item lock with a background keepalive. Release must be
// called exactly once; the worker should also watch Lost and abandon the item
// if it fires mid-stage.
type Lease struct {
	manager *Manager
	itemID  string

	once sync.Once
	done chan struct{}
	lost chan struct{}
}

// ItemID returns the locked item's ID.
func (l *Lease) ItemID() string { return l.itemID }

// Lost is closed when a renewal fails and the lease can no longer be
// guaranteed. Work done after that point may race with another claimant.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops the keepalive and clears the lock. Releasing a lease that
// was already lost or released is a no-op.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() { close(l.done) })
	if _, err := l.manager.locker.ReleaseLock(ctx, l.itemID, l.manager.workerID); err != nil {
		log.WithFields(log.Fields{
			"item":   l.itemID,
			"worker": l.manager.workerID,
		}).WithError(err).Warn("lock release failed")
	}
}

func (l *Lease) keepalive() {
	interval := l.manager.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.manager.locker.ExtendLock(ctx, l.itemID, l.manager.workerID, l.manager.lease)
			cancel()
			if err != nil {
				log.WithFields(log.Fields{
					"item":   l.itemID,
					"worker": l.manager.workerID,
				}).WithError(err).Warn("lock renewal error")
				continue
			}
			if !ok {
				log.WithFields(log.Fields{
					"item":   l.itemID,
					"worker": l.manager.workerID,
				}).Warn("lock lost, lease expired or taken over")
				l.once.Do(func() { close(l.done) })
				close(l.lost)
				return
			}
		}
	}
}
