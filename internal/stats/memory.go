package stats

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in memory. It never expires anything and is
// meant for tests and short-lived CLI runs.
type MemoryStore struct {
	mu         sync.Mutex
	total      Counters
	byResource map[string]Counters
	byCause    map[string]int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byResource: make(map[string]Counters),
		byCause:    make(map[string]int64),
	}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.byResource[ev.Resource]
	if ev.Admitted {
		s.total.Admitted++
		c.Admitted++
	} else {
		s.total.Denied++
		c.Denied++
		s.byCause[string(ev.Cause)]++
	}
	s.byResource[ev.Resource] = c
	return nil
}

// Total returns the counters across all resources.
func (s *MemoryStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByResource returns a copy of the per-resource counters.
func (s *MemoryStore) ByResource() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byResource))
	for k, v := range s.byResource {
		out[k] = v
	}
	return out
}

// ByCause returns a copy of the denial counts keyed by cause.
func (s *MemoryStore) ByCause() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.byCause))
	for k, v := range s.byCause {
		out[k] = v
	}
	return out
}
