// Package cache provides the page cache that sits between the introspection
// engine and a physical memory backend.
package cache

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/instrumentation/hooking"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/internal/assoc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Hook steps reported for page tasks.
const (
	StepHit     = "hit"
	StepMiss    = "miss"
	StepBypass  = "bypass"
	StepFill    = "fill"
	StepDiscard = "discard"
	StepEvict   = "evict"
	StepError   = "error"
)

type page struct {
	data     []byte
	stamp    uint64
	tableGen uint64
}

// A FillToken remembers when a fetch started. Fills carrying a token that
// predates a write, an invalidation or a flush are discarded.
type FillToken struct {
	generation uint64
}

// Stats counts what happened to a PageCache.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Stale         uint64
	Fills         uint64
	Discards      uint64
	Evictions     uint64
	Bypasses      uint64
	Fetches       uint64
	Writes        uint64
	WriteFailures uint64
	Entries       int
	Capacity      int
}

// A PageCache keeps copies of physical pages. Reads are served from the
// cache when possible, writes go through to the backend.
//
// Cached page slices are never modified in place. A write replaces the page
// with a patched copy, so readers that got a slice earlier keep a consistent
// view.
type PageCache struct {
	*hooking.HookableBase

	name      string
	backend   mem.Backend
	size      uint64
	pageSize  uint64
	mask      mem.PageType
	validator Validator
	logger    *logrus.Entry
	taskID    idgen.Generator

	storage *assoc.Cache[uint64, page]
	fetches singleflight.Group

	// generation moves on before and after every write, and on every
	// invalidation. A fill is accepted only if it did not move since the
	// fetch started.
	generation atomic.Uint64

	// tableGeneration moves on when page tables may have changed behind the
	// cache. Pages read as page tables must carry the current value.
	tableGeneration atomic.Uint64

	discards      atomic.Uint64
	bypasses      atomic.Uint64
	backendReads  atomic.Uint64
	writes        atomic.Uint64
	writeFailures atomic.Uint64
}

// Name returns the name of the cache.
func (c *PageCache) Name() string {
	return c.name
}

// PageSize returns the size of the cached pages.
func (c *PageCache) PageSize() uint64 {
	return c.pageSize
}

// Backend returns the backend behind the cache.
func (c *PageCache) Backend() mem.Backend {
	return c.backend
}

// IsCacheable reports whether pages of the given type are kept.
func (c *PageCache) IsCacheable(t mem.PageType) bool {
	return c.mask.Matches(t)
}

// holds reports whether the page at base can be cached at all. Pages that
// are only partially backed are always read from the backend.
func (c *PageCache) holds(pa mem.PhysicalAddress) bool {
	if !c.mask.Matches(pa.PageType) {
		return false
	}

	if c.size == 0 {
		return true
	}

	base := uint64(pa.PageBase(c.pageSize))

	return base < c.size && c.size-base >= c.pageSize
}

func (c *PageCache) frameOf(addr mem.Address) uint64 {
	return uint64(addr) / c.pageSize
}

func (c *PageCache) isFresh(p page) bool {
	return c.validator.IsValid(p.stamp)
}

// freshFor returns the validity check for a page accessed as type t.
func (c *PageCache) freshFor(t mem.PageType) func(page) bool {
	if t&mem.PageTypePageTable == 0 {
		return c.isFresh
	}

	gen := c.tableGeneration.Load()

	return func(p page) bool {
		return p.tableGen == gen && c.isFresh(p)
	}
}

// Stats returns a snapshot of the counters.
func (c *PageCache) Stats() Stats {
	s := c.storage.Stats()

	return Stats{
		Hits:          s.Hits,
		Misses:        s.Misses,
		Stale:         s.Stale,
		Fills:         s.Fills,
		Discards:      c.discards.Load(),
		Evictions:     s.Evictions,
		Bypasses:      c.bypasses.Load(),
		Fetches:       c.backendReads.Load(),
		Writes:        c.writes.Load(),
		WriteFailures: c.writeFailures.Load(),
		Entries:       c.storage.Len(),
		Capacity:      c.storage.Capacity(),
	}
}

// Tick tells the freshness policy that an access batch completed.
func (c *PageCache) Tick() {
	c.validator.Tick()
}

// Peek copies len(dst) bytes at offset off of a cached page into dst. It
// never reads the backend and reports false if the page is not cached or the
// range leaves the page.
func (c *PageCache) Peek(pa mem.PhysicalAddress, off uint64, dst []byte) bool {
	if off+uint64(len(dst)) > c.pageSize || !c.holds(pa) {
		return false
	}

	p, ok := c.storage.Get(c.frameOf(pa.Addr), c.freshFor(pa.PageType))
	if !ok {
		return false
	}

	copy(dst, p.data[off:])

	return true
}

// BeginFill must be called before fetching data that will be passed to
// Fill.
func (c *PageCache) BeginFill() FillToken {
	return FillToken{generation: c.generation.Load()}
}

// Fill stores a whole page fetched from the backend. The data is copied. It
// reports false if the page is not cacheable, or if the cache changed since
// the token was taken.
func (c *PageCache) Fill(
	pa mem.PhysicalAddress,
	data []byte,
	token FillToken,
) bool {
	if uint64(len(data)) != c.pageSize || pa.PageOffset(c.pageSize) != 0 {
		panic(fmt.Sprintf("fill of %d bytes at %s is not a whole page",
			len(data), pa.Addr))
	}

	if !c.holds(pa) {
		return false
	}

	p := page{
		data:     append([]byte(nil), data...),
		stamp:    c.validator.Stamp(),
		tableGen: c.tableGeneration.Load(),
	}

	stored := c.storage.PutIf(c.frameOf(pa.Addr), p, func() bool {
		return c.generation.Load() == token.generation
	})
	if !stored {
		c.discards.Add(1)
	}

	return stored
}

// ReadPage returns a copy of the page that contains pa. On a miss, the page
// is fetched with one backend read. Concurrent misses on the same page share
// the fetch.
func (c *PageCache) ReadPage(pa mem.PhysicalAddress) ([]byte, error) {
	base := pa
	base.Addr = pa.PageBase(c.pageSize)

	taskID := c.startTask(base.Addr, "fetch")
	defer c.endTask(taskID)

	if !c.holds(base) {
		c.step(taskID, StepBypass)
		c.bypasses.Add(1)
		return c.readBackend(taskID, base.Addr, c.pageSize)
	}

	data, err := c.getPage(taskID, base)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), data...), nil
}

// Read fills buf with the bytes at pa, which may span several pages. Pages
// that can be cached are read through the cache. The PageType of pa applies
// to every page touched.
func (c *PageCache) Read(pa mem.PhysicalAddress, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	taskID := c.startTask(pa.Addr, "read")
	defer c.endTask(taskID)

	if !c.mask.Matches(pa.PageType) {
		c.step(taskID, StepBypass)
		c.bypasses.Add(1)
		return c.readBackendInto(taskID, pa.Addr, buf)
	}

	done := uint64(0)
	for done < uint64(len(buf)) {
		cur := pa
		cur.Addr = pa.Addr.Add(done)
		off := cur.PageOffset(c.pageSize)
		n := min(c.pageSize-off, uint64(len(buf))-done)
		dst := buf[done : done+n]

		base := cur
		base.Addr = cur.PageBase(c.pageSize)

		if !c.holds(base) {
			c.step(taskID, StepBypass)
			c.bypasses.Add(1)

			if err := c.readBackendInto(taskID, cur.Addr, dst); err != nil {
				return err
			}

			done += n

			continue
		}

		data, err := c.getPage(taskID, base)
		if err != nil {
			return err
		}

		copy(dst, data[off:])
		done += n
	}

	return nil
}

// getPage returns the shared, immutable data of a cacheable page.
func (c *PageCache) getPage(taskID string, base mem.PhysicalAddress) ([]byte, error) {
	frame := c.frameOf(base.Addr)

	if p, ok := c.storage.Get(frame, c.freshFor(base.PageType)); ok {
		c.step(taskID, StepHit)
		return p.data, nil
	}

	c.step(taskID, StepMiss)

	token := c.BeginFill()
	key := strconv.FormatUint(frame, 10) + "@" +
		strconv.FormatUint(token.generation, 10)

	v, err, _ := c.fetches.Do(key, func() (any, error) {
		data, err := c.readBackend(taskID, base.Addr, c.pageSize)
		if err != nil {
			return nil, err
		}

		if c.Fill(base, data, token) {
			c.step(taskID, StepFill)
		} else {
			c.step(taskID, StepDiscard)
		}

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

func (c *PageCache) readBackend(
	taskID string,
	addr mem.Address,
	n uint64,
) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.readBackendInto(taskID, addr, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func (c *PageCache) readBackendInto(
	taskID string,
	addr mem.Address,
	buf []byte,
) error {
	c.backendReads.Add(1)

	if err := c.backend.ReadPhysical(addr, buf); err != nil {
		c.step(taskID, StepError)
		return mem.WrapIO(addr, err)
	}

	return nil
}

// WritePage writes a whole page.
func (c *PageCache) WritePage(pa mem.PhysicalAddress, data []byte) error {
	if uint64(len(data)) != c.pageSize {
		return fmt.Errorf("page write of %d bytes, page size is %d",
			len(data), c.pageSize)
	}

	pa.Addr = pa.PageBase(c.pageSize)

	return c.Write(pa, data)
}

// Write writes data at pa with one backend call. Cached copies of the pages
// touched are patched once the backend accepted the write. If the backend
// fails, they are evicted, because the target may hold a partial write.
func (c *PageCache) Write(pa mem.PhysicalAddress, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	taskID := c.startTask(pa.Addr, "write")
	defer c.endTask(taskID)

	c.writes.Add(1)
	c.generation.Add(1)

	err := c.backend.WritePhysical(pa.Addr, data)

	c.generation.Add(1)

	if err != nil {
		c.writeFailures.Add(1)
		c.step(taskID, StepError)

		evicted := c.evictRange(pa.Addr, uint64(len(data)))
		if evicted > 0 {
			c.step(taskID, StepEvict)
			c.logger.WithError(err).WithFields(logrus.Fields{
				"addr":  pa.Addr.String(),
				"len":   len(data),
				"pages": evicted,
			}).Warn("write failed, evicted cached pages")
		}

		return mem.WrapIO(pa.Addr, err)
	}

	c.patchRange(pa.Addr, data)

	return nil
}

func (c *PageCache) patchRange(addr mem.Address, data []byte) {
	done := uint64(0)
	for done < uint64(len(data)) {
		cur := addr.Add(done)
		off := cur.PageOffset(c.pageSize)
		n := min(c.pageSize-off, uint64(len(data))-done)
		src := data[done : done+n]

		c.storage.Update(c.frameOf(cur), func(p page) page {
			patched := append([]byte(nil), p.data...)
			copy(patched[off:], src)

			return page{data: patched, stamp: p.stamp}
		})

		done += n
	}
}

func (c *PageCache) evictRange(addr mem.Address, n uint64) int {
	evicted := 0

	first := c.frameOf(addr)
	last := c.frameOf(addr.Add(n - 1))

	for f := first; f <= last; f++ {
		if c.storage.Remove(f) {
			evicted++
		}
	}

	return evicted
}

// Invalidate drops the cached copy of the page that contains addr.
func (c *PageCache) Invalidate(addr mem.Address) {
	c.generation.Add(1)
	c.storage.Remove(c.frameOf(addr))
}

// InvalidateTables makes every cached page stale for page-table reads. Data
// reads still use the cached copies. It takes constant time, the pages are
// fetched again when a walk next needs them.
func (c *PageCache) InvalidateTables() {
	c.generation.Add(1)
	c.tableGeneration.Add(1)
}

// FlushAll drops every cached page.
func (c *PageCache) FlushAll() {
	c.generation.Add(1)
	c.storage.Clear()
}
