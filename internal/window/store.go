// Package window implements the per-key rolling bar buffers that feed the
// statistics engine. Each (symbol, timeframe) key owns one time-ordered
// bounded buffer. Mutation is serialized per key; reads return copies so
// an in-flight computation never observes a concurrent update.
package window

import (
	"errors"
	"sort"
	"sync"
	"time"

	"stats-servicev1/internal/model"
)

// ErrWindowLive is returned by Seed when the window has already been
// live-updated in this process lifetime. Seeding would discard progress.
var ErrWindowLive = errors.New("window: already live-updated, refusing seed")

// Policy bounds a rolling window. MaxBars evicts by count, MaxSpan by age
// relative to the newest bar. A zero value disables that bound; at least
// one bound should be set.
type Policy struct {
	MaxBars int
	MaxSpan time.Duration
}

// buffer is the rolling window for one key. bars is kept sorted by
// OpenTime ascending with unique open times.
type buffer struct {
	mu   sync.Mutex
	bars []model.Bar
	live bool // set once a streamed bar has been applied via Update
}

// Store is an arena of rolling windows indexed by window key.
// Concurrent keys mutate independently; the outer map lock is only held
// for key lookup, never across a buffer operation.
type Store struct {
	policy Policy

	mu      sync.RWMutex
	buffers map[string]*buffer
}

// NewStore creates an empty window store with the given eviction policy.
func NewStore(policy Policy) *Store {
	return &Store{
		policy:  policy,
		buffers: make(map[string]*buffer, 64),
	}
}

// get returns the buffer for key, creating it if needed.
func (s *Store) get(key string) *buffer {
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buffers[key]; ok {
		return b
	}
	b = &buffer{}
	s.buffers[key] = b
	return b
}

// Update inserts a bar into the window for key in timestamp order and
// marks the window live. A bar with an already-present OpenTime replaces
// the existing entry rather than duplicating it (idempotent redelivery).
// The oldest entries are evicted when the window exceeds its policy.
func (s *Store) Update(key string, bar model.Bar) {
	b := s.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bars = insertOrdered(b.bars, bar)
	b.bars = evict(b.bars, s.policy)
	b.live = true
}

// Snapshot returns a copy of the window contents for key, ordered by
// OpenTime ascending. The copy is never a live view. Returns nil for an
// unknown key.
func (s *Store) Snapshot(key string) []model.Bar {
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bars) == 0 {
		return nil
	}
	out := make([]model.Bar, len(b.bars))
	copy(out, b.bars)
	return out
}

// Seed initializes or replaces the window contents for key from
// historical data. Input bars may be in any order and may contain
// duplicate open times; they are sorted and deduplicated (last wins).
// Seed fails with ErrWindowLive once the window has live-updated state,
// so a seed can never discard streamed progress.
func (s *Store) Seed(key string, bars []model.Bar) error {
	b := s.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.live {
		return ErrWindowLive
	}

	sorted := make([]model.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})

	deduped := sorted[:0]
	for _, bar := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime.Equal(bar.OpenTime) {
			deduped[n-1] = bar
			continue
		}
		deduped = append(deduped, bar)
	}

	b.bars = evict(deduped, s.policy)
	return nil
}

// Invalidate drops the window for key, including its live flag. Used when
// a rebalance gap is detected and the window must be re-seeded from the
// archive before live events are applied again.
func (s *Store) Invalidate(key string) {
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	b.bars = nil
	b.live = false
	b.mu.Unlock()
}

// Live reports whether the window for key has been live-updated in this
// process lifetime.
func (s *Store) Live(key string) bool {
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Len returns the number of bars currently buffered for key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars)
}

// Keys returns all known window keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	return keys
}

// insertOrdered places bar into bars keeping ascending OpenTime order.
// An equal OpenTime replaces in place.
func insertOrdered(bars []model.Bar, bar model.Bar) []model.Bar {
	i := sort.Search(len(bars), func(i int) bool {
		return !bars[i].OpenTime.Before(bar.OpenTime)
	})
	if i < len(bars) && bars[i].OpenTime.Equal(bar.OpenTime) {
		bars[i] = bar
		return bars
	}
	bars = append(bars, model.Bar{})
	copy(bars[i+1:], bars[i:])
	bars[i] = bar
	return bars
}

// evict trims bars from the front per the policy. bars must be sorted
// ascending.
func evict(bars []model.Bar, p Policy) []model.Bar {
	if p.MaxBars > 0 && len(bars) > p.MaxBars {
		bars = bars[len(bars)-p.MaxBars:]
	}
	if p.MaxSpan > 0 && len(bars) > 1 {
		cutoff := bars[len(bars)-1].OpenTime.Add(-p.MaxSpan)
		i := sort.Search(len(bars), func(i int) bool {
			return !bars[i].OpenTime.Before(cutoff)
		})
		bars = bars[i:]
	}
	return bars
}
