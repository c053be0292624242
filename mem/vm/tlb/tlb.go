// Package tlb caches the results of page-table walks.
package tlb

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/internal/assoc"
	"github.com/sarchlab/vmi/mem/vm"
)

type rootKey struct {
	arch *arch.Descriptor
	root mem.Address
}

type key struct {
	rootKey
	base mem.Address
	size uint64
}

type block struct {
	entry vm.Entry
	stamp vm.Stamp
}

func hashKey(k key) uint64 {
	vpn := uint64(k.base) / k.size
	return vpn ^ (uint64(k.root)>>12)*0x9E3779B97F4A7C15
}

// Stats counts what happened to a TLB.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Stale         uint64
	Evictions     uint64
	Invalidations uint64
	Flushes       uint64
	Entries       int
	Capacity      int
}

// A TLB is a bounded, set-associative cache of translations keyed by address
// space root, virtual page and page size. Sets evict their least recently
// used entry.
//
// Invalidation is lazy. Each entry is stamped with the generation counter
// when the walk that produced it started. Invalidate and FlushAll move the
// counter on, and entries stamped before that are dropped when looked up.
type TLB struct {
	storage *assoc.Cache[key, block]

	generation atomic.Uint64
	flushedAt  atomic.Uint64

	lock     sync.RWMutex
	rootGens map[rootKey]uint64
	maxRoots int

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
	flushes       atomic.Uint64
}

func makeRootKey(space arch.AddressSpace) rootKey {
	return rootKey{arch: space.Arch(), root: space.Root()}
}

// minStamp returns the oldest stamp that is still fresh for a root. The floor
// and the root generation are read under the same lock, because compaction
// moves generations from one to the other.
func (t *TLB) minStamp(rk rootKey) uint64 {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return max(t.flushedAt.Load(), t.rootGens[rk])
}

// raiseFloor makes every entry stamped before g stale.
func (t *TLB) raiseFloor(g uint64) {
	for {
		old := t.flushedAt.Load()
		if old >= g || t.flushedAt.CompareAndSwap(old, g) {
			return
		}
	}
}

// Lookup returns the entry that maps va, probing every page size the
// architecture supports.
func (t *TLB) Lookup(space arch.AddressSpace, va mem.Address) (vm.Entry, bool) {
	d := space.Arch()
	if d == nil {
		t.misses.Add(1)
		return vm.Entry{}, false
	}

	rk := makeRootKey(space)
	minStamp := t.minStamp(rk)
	fresh := func(b block) bool {
		return uint64(b.stamp) >= minStamp
	}

	for _, size := range d.PageSizes() {
		k := key{rootKey: rk, base: va.PageBase(size), size: size}

		b, ok := t.storage.Get(k, fresh)
		if ok && b.entry.Contains(va) {
			t.hits.Add(1)
			return b.entry, true
		}
	}

	t.misses.Add(1)

	return vm.Entry{}, false
}

// Snapshot returns the generation to stamp the result of a walk that is about
// to start.
func (t *TLB) Snapshot(_ arch.AddressSpace) vm.Stamp {
	return vm.Stamp(t.generation.Load())
}

// Insert stores an entry with the current generation.
func (t *TLB) Insert(space arch.AddressSpace, va mem.Address, entry vm.Entry) {
	t.InsertAt(space, va, entry, t.Snapshot(space))
}

// InsertAt stores an entry produced by a walk that started at stamp. Entries
// that are already stale are not stored.
func (t *TLB) InsertAt(
	space arch.AddressSpace,
	va mem.Address,
	entry vm.Entry,
	stamp vm.Stamp,
) {
	if !entry.Valid || !entry.Contains(va) || space.Arch() == nil {
		return
	}

	rk := makeRootKey(space)
	if uint64(stamp) < t.minStamp(rk) {
		return
	}

	k := key{rootKey: rk, base: entry.VirtualBase, size: entry.PageSize}
	t.storage.Put(k, block{entry: entry, stamp: stamp})
}

// Invalidate makes every entry of the address space stale. It does not scan
// the storage.
func (t *TLB) Invalidate(space arch.AddressSpace) {
	rk := makeRootKey(space)
	g := t.generation.Add(1)

	t.lock.Lock()
	if g > t.rootGens[rk] {
		t.rootGens[rk] = g
	}

	if len(t.rootGens) > t.maxRoots {
		t.compactRoots()
	}
	t.lock.Unlock()

	t.invalidations.Add(1)
}

// compactRoots forgets the older half of the root generations by raising the
// floor to the newest of them. Entries of other roots stamped below the new
// floor become stale too. Must be called with the lock held.
func (t *TLB) compactRoots() {
	floor := t.flushedAt.Load()

	gens := make([]uint64, 0, len(t.rootGens))
	for _, g := range t.rootGens {
		if g > floor {
			gens = append(gens, g)
		}
	}

	if len(gens) > t.maxRoots {
		slices.Sort(gens)
		floor = gens[len(gens)/2]
		t.raiseFloor(floor)
	}

	for rk, g := range t.rootGens {
		if g <= floor {
			delete(t.rootGens, rk)
		}
	}
}

// FlushAll drops every entry.
func (t *TLB) FlushAll() {
	g := t.generation.Add(1)

	t.lock.Lock()
	t.raiseFloor(g)
	for rk, rg := range t.rootGens {
		if rg <= g {
			delete(t.rootGens, rk)
		}
	}
	t.lock.Unlock()

	t.storage.Clear()
	t.flushes.Add(1)
}

// Stats returns a snapshot of the counters.
func (t *TLB) Stats() Stats {
	s := t.storage.Stats()

	return Stats{
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		Stale:         s.Stale,
		Evictions:     s.Evictions,
		Invalidations: t.invalidations.Load(),
		Flushes:       t.flushes.Load(),
		Entries:       t.storage.Len(),
		Capacity:      t.storage.Capacity(),
	}
}

var _ vm.TranslationCache = (*TLB)(nil)
