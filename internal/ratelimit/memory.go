// Package ratelimit implements fixed-window request counters.
//
// A fixed window admits up to 2×Max requests across a window boundary (Max at the
// end of one window, Max at the start of the next). That allowance is a known
// property of the algorithm and the configured quotas assume it.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired windows are purged.
const DefaultSweepInterval = 120 * time.Second

// Store counts hits for a key inside the current fixed window and returns the
// count including this hit.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (int, error)
}

type entry struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Read-then-write for a key happens under
// one lock, so concurrent hits on the same key never lose an increment.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry), now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		// Replace, never merge, an expired window.
		s.entries[key] = &entry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	e.count++
	return e.count, nil
}

// Sweep deletes every entry whose window has passed and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys, live or not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps expired entries every interval until ctx is cancelled. A
// non-positive interval uses DefaultSweepInterval.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Printf("[ratelimit] swept %d expired windows, %d remaining", n, s.Len())
			}
		}
	}
}
