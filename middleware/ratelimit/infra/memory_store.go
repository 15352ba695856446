package infra

import (
	"context"
	"sync"
	"time"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// MemoryStore keeps fixed-window entries in process memory.
//
// Hit runs the read-modify-write under the mutex, so admission is exact for a
// single process. Entries are never evicted by Hit; an expired entry is simply
// replaced on the next request. The optional janitor drops expired entries to
// bound memory, which is invisible to callers.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[domain.Key]domain.Entry
	sweepEvery time.Duration
	now        func() time.Time
}

type MemoryStoreOption func(*MemoryStore)

// WithSweepEvery sets the janitor interval. 0 disables the janitor.
func WithSweepEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.sweepEvery = d }
}

// WithClock replaces time.Now for Sweep.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[domain.Key]domain.Entry),
		sweepEvery: 5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit implements domain.WindowStore.
func (s *MemoryStore) Hit(_ context.Context, key domain.Key, p domain.Policy, now time.Time) (domain.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found := s.entries[key]
	next, admitted := domain.Advance(cur, found, p, now)
	if admitted {
		s.entries[key] = next
	}
	return next, admitted, nil
}

// Reset implements domain.WindowStore.
func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[domain.Key]domain.Entry)
	return nil
}

// Len returns the number of tracked keys, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes entries whose window has closed and returns how many went.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps periodically until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.sweepEvery <= 0 {
		return
	}

	t := time.NewTicker(s.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}
