// Package assoc provides the bounded, set-associative storage used by the
// translation cache and the page cache.
package assoc

import "sync"

type block[K comparable, V any] struct {
	key       K
	value     V
	valid     bool
	wayID     int
	lastVisit uint64
}

// A set holds a fixed number of blocks and evicts the least recently visited
// one. Blocks that were never visited since insertion keep their insertion
// order, so ties are broken by age.
type set[K comparable, V any] struct {
	sync.Mutex

	blocks      []*block[K, V]
	keyWayIDMap map[K]int
	visitList   []*block[K, V]
	visitCount  uint64
}

func newSet[K comparable, V any](numWays int) *set[K, V] {
	s := &set[K, V]{}
	s.blocks = make([]*block[K, V], numWays)
	s.visitList = make([]*block[K, V], 0, numWays)
	s.keyWayIDMap = make(map[K]int, numWays)

	for i := range s.blocks {
		b := &block[K, V]{wayID: i}
		s.blocks[i] = b
		s.visitList = append(s.visitList, b)
	}

	return s
}

func (s *set[K, V]) lookup(key K) (*block[K, V], bool) {
	wayID, ok := s.keyWayIDMap[key]
	if !ok {
		return nil, false
	}

	return s.blocks[wayID], true
}

// visit moves a block to the most recently used end of the visit list.
func (s *set[K, V]) visit(b *block[K, V]) {
	s.removeFromVisitList(b)

	s.visitCount++
	b.lastVisit = s.visitCount
	s.visitList = append(s.visitList, b)
}

func (s *set[K, V]) removeFromVisitList(b *block[K, V]) {
	for i, v := range s.visitList {
		if v == b {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			return
		}
	}
}

// victim returns the block to be replaced next. Invalid blocks go first.
func (s *set[K, V]) victim() *block[K, V] {
	for _, b := range s.visitList {
		if !b.valid {
			return b
		}
	}

	return s.visitList[0]
}

// invalidate drops the content of a block and makes it the next victim.
func (s *set[K, V]) invalidate(b *block[K, V]) {
	if b.valid {
		delete(s.keyWayIDMap, b.key)
	}

	var zeroK K
	var zeroV V

	b.key = zeroK
	b.value = zeroV
	b.valid = false

	s.removeFromVisitList(b)
	s.visitList = append([]*block[K, V]{b}, s.visitList...)
}

// fill stores key and value in b and marks it most recently used.
func (s *set[K, V]) fill(b *block[K, V], key K, value V) {
	if b.valid {
		delete(s.keyWayIDMap, b.key)
	}

	b.key = key
	b.value = value
	b.valid = true
	s.keyWayIDMap[key] = b.wayID

	s.visit(b)
}

func (s *set[K, V]) reset() {
	for _, b := range s.blocks {
		s.invalidate(b)
	}
}

func (s *set[K, V]) numValid() int {
	return len(s.keyWayIDMap)
}
