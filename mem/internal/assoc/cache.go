package assoc

import (
	"fmt"
	"sync/atomic"
)

// Stats counts what happened to a Cache.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Stale     uint64
	Fills     uint64
	Evictions uint64
}

// A Cache maps keys to values in numSets independently locked sets of
// numWays blocks each. A Cache with one set is fully associative.
//
// Values are stored as given. Callers that hand out mutable values must copy
// them.
type Cache[K comparable, V any] struct {
	sets []*set[K, V]
	hash func(K) uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	stale     atomic.Uint64
	fills     atomic.Uint64
	evictions atomic.Uint64
}

// New creates a Cache. The hash function selects the set of a key.
func New[K comparable, V any](
	numSets, numWays int,
	hash func(K) uint64,
) *Cache[K, V] {
	if numSets <= 0 || numWays <= 0 {
		panic(fmt.Sprintf("invalid cache geometry %d x %d", numSets, numWays))
	}

	c := &Cache[K, V]{
		sets: make([]*set[K, V], numSets),
		hash: hash,
	}

	for i := range c.sets {
		c.sets[i] = newSet[K, V](numWays)
	}

	return c
}

// Capacity returns the maximum number of entries.
func (c *Cache[K, V]) Capacity() int {
	return len(c.sets) * len(c.sets[0].blocks)
}

func (c *Cache[K, V]) setOf(key K) *set[K, V] {
	return c.sets[c.hash(key)%uint64(len(c.sets))]
}

// Get returns the value stored for key. If valid is not nil and rejects the
// value, the entry is dropped and Get reports a miss.
func (c *Cache[K, V]) Get(key K, valid func(V) bool) (V, bool) {
	s := c.setOf(key)

	s.Lock()
	defer s.Unlock()

	b, ok := s.lookup(key)
	if !ok {
		c.misses.Add(1)

		var zero V
		return zero, false
	}

	if valid != nil && !valid(b.value) {
		s.invalidate(b)
		c.stale.Add(1)
		c.misses.Add(1)

		var zero V
		return zero, false
	}

	s.visit(b)
	c.hits.Add(1)

	return b.value, true
}

// Put stores value under key, evicting the least recently used entry of the
// set if needed.
func (c *Cache[K, V]) Put(key K, value V) {
	c.PutIf(key, value, func() bool { return true })
}

// PutIf stores value under key if cond, evaluated while the set is locked,
// returns true. It reports whether the value was stored.
func (c *Cache[K, V]) PutIf(key K, value V, cond func() bool) bool {
	s := c.setOf(key)

	s.Lock()
	defer s.Unlock()

	if !cond() {
		return false
	}

	b, ok := s.lookup(key)
	if !ok {
		b = s.victim()
		if b.valid {
			c.evictions.Add(1)
		}
	}

	s.fill(b, key, value)
	c.fills.Add(1)

	return true
}

// Update applies fn to the value stored under key, if any, without changing
// its recency. It reports whether the key was present.
func (c *Cache[K, V]) Update(key K, fn func(V) V) bool {
	s := c.setOf(key)

	s.Lock()
	defer s.Unlock()

	b, ok := s.lookup(key)
	if !ok {
		return false
	}

	b.value = fn(b.value)

	return true
}

// Remove drops the entry stored under key.
func (c *Cache[K, V]) Remove(key K) bool {
	s := c.setOf(key)

	s.Lock()
	defer s.Unlock()

	b, ok := s.lookup(key)
	if !ok {
		return false
	}

	s.invalidate(b)

	return true
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	for _, s := range c.sets {
		s.Lock()
		s.reset()
		s.Unlock()
	}
}

// Len returns the number of entries currently stored, including entries that
// are stale but not yet evicted.
func (c *Cache[K, V]) Len() int {
	n := 0

	for _, s := range c.sets {
		s.Lock()
		n += s.numValid()
		s.Unlock()
	}

	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stale:     c.stale.Load(),
		Fills:     c.fills.Load(),
		Evictions: c.evictions.Load(),
	}
}
