package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitPolicy defines a token bucket.
type LimitPolicy struct {
	RatePerSecond float64
	Burst         int
}

func (p LimitPolicy) rate() float64 {
	if p.RatePerSecond <= 0 {
		return 1
	}
	return p.RatePerSecond
}

func (p LimitPolicy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy LimitPolicy, cost int) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps one limiter per key in process.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	clock    func() time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{visitors: make(map[string]*visitor), clock: time.Now}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.rate()), policy.burst())}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep drops limiters idle for longer than idle.
func (s *MemoryLimiterStore) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock().Add(-idle)
	n := 0
	for k, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, k)
			n++
		}
	}
	return n
}

// RunSweeper sweeps every interval until ctx is done.
func (s *MemoryLimiterStore) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(idle)
		}
	}
}
