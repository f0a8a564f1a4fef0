package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/store"
)

// Source hands out claim candidates in dispatch order. An empty poll returns
// (nil, nil).
type Source interface {
	Next(ctx context.Context) (*store.WorkItem, error)
}

const (
	idleBackoffMin = 100 * time.Millisecond
	idleBackoffMax = 2 * time.Second
)

// Pool runs a fixed set of workers against one source.
type Pool struct {
	workers []*Worker
	source  Source
	wg      sync.WaitGroup
}

// NewPool builds a pool over the given workers.
func NewPool(source Source, workers ...*Worker) *Pool {
	return &Pool{workers: workers, source: source}
}

// Start launches every worker loop. It returns immediately; use Wait for
// shutdown.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			p.runLoop(ctx, w)
		}(w)
	}
	log.WithField("workers", len(p.workers)).Info("worker pool started")
}

// Wait blocks until every worker loop has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// runLoop polls the source and processes items until ctx is cancelled. An
// in-flight stage finishes before the loop exits; that is the shutdown grace
// the engine waits for.
func (p *Pool) runLoop(ctx context.Context, w *Worker) {
	backoff := idleBackoffMin
	for {
		select {
		case <-ctx.Done():
			log.WithField("worker", w.id).Info("worker stopped")
			return
		default:
		}

		item, err := p.source.Next(ctx)
		if err != nil {
			log.WithField("worker", w.id).WithError(err).Error("dispatch poll failed")
			item = nil
		}
		if item == nil {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > idleBackoffMax {
				backoff = idleBackoffMax
			}
			continue
		}

		// A claimed stage runs to completion even if shutdown begins; the
		// stage timeout bounds how long that can take.
		claimed, err := w.Process(context.WithoutCancel(ctx), item)
		if err != nil {
			log.WithFields(log.Fields{
				"worker": w.id,
				"item":   item.ID,
			}).WithError(err).Error("item processing failed")
		}
		if claimed {
			backoff = idleBackoffMin
		}
	}
}
