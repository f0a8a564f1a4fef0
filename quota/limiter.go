package quota

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Smoother spreads calls to an external service inside its per-minute budget
// instead of bursting the whole window at once. It is a local shaping layer
// under the durable window counters: the counters are the source of truth,
// the smoother just keeps a single process from spiking.
type Smoother struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   map[string]int
}

// NewSmoother builds a smoother from per-service requests-per-minute rates.
func NewSmoother(requestsPerMinute map[string]int) *Smoother {
	return &Smoother{
		limiters: make(map[string]*rate.Limiter),
		perMin:   requestsPerMinute,
	}
}

// Wait blocks until the service's local token bucket admits one call, or the
// context is cancelled. Services without a configured rate pass immediately.
func (s *Smoother) Wait(ctx context.Context, service string) error {
	l := s.limiter(service)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Allow reports without blocking whether a call would be admitted now.
func (s *Smoother) Allow(service string) bool {
	l := s.limiter(service)
	if l == nil {
		return true
	}
	return l.Allow()
}

func (s *Smoother) limiter(service string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[service]; ok {
		return l
	}
	rpm, ok := s.perMin[service]
	if !ok || rpm <= 0 {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
	s.limiters[service] = l
	return l
}
