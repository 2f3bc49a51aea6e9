package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterStore caches one token bucket per key and forgets keys that have
// been idle longer than idleTTL.
type limiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	idleTTL time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(idleTTL time.Duration) *limiterStore {
	return &limiterStore{
		entries: make(map[string]*limiterEntry),
		idleTTL: idleTTL,
	}
}

// allow takes one token from the bucket for key, creating it with qps/burst
// on first use.
func (s *limiterStore) allow(key string, qps float64, burst int, now time.Time) bool {
	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		ent = &limiterEntry{lim: rate.NewLimiter(rate.Limit(qps), burst)}
		s.entries[key] = ent
	}
	ent.lastSeen = now
	s.mu.Unlock()
	return ent.lim.AllowN(now, 1)
}

func (s *limiterStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *limiterStore) cleanup(now time.Time) {
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// janitor removes idle keys every interval until ctx is done.
func (s *limiterStore) janitor(ctx context.Context, every time.Duration, now func() time.Time) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.cleanup(now())
		}
	}
}
