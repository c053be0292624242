package cache

import (
	"fmt"

	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/instrumentation/hooking"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/internal/assoc"
	"github.com/sirupsen/logrus"
)

// A Builder can build page caches.
type Builder struct {
	backend   mem.Backend
	numSets   int
	numWays   int
	pageSize  uint64
	mask      mem.PageType
	validator Validator
	logger    *logrus.Entry
}

// MakeBuilder returns a Builder with 1024 pages in 64 sets of 16 ways.
func MakeBuilder() Builder {
	return Builder{
		numSets:   64,
		numWays:   16,
		mask:      mem.PageTypeMaskAll,
		validator: NeverExpire{},
	}
}

// WithBackend sets the backend the cache reads from and writes to.
func (b Builder) WithBackend(backend mem.Backend) Builder {
	b.backend = backend
	return b
}

// WithNumSets sets the number of sets. Use 1 for a fully associative cache.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of pages per set.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithPageSize sets the page size. By default, the page size reported by the
// backend is used.
func (b Builder) WithPageSize(n uint64) Builder {
	b.pageSize = n
	return b
}

// WithPageTypeMask selects the page types that are cached. Accesses to other
// pages go straight to the backend.
func (b Builder) WithPageTypeMask(mask mem.PageType) Builder {
	b.mask = mask
	return b
}

// WithValidator sets the freshness policy.
func (b Builder) WithValidator(v Validator) Builder {
	b.validator = v
	return b
}

// WithLogger sets the logger used to report evictions caused by failures.
func (b Builder) WithLogger(logger *logrus.Entry) Builder {
	b.logger = logger
	return b
}

// Build creates a new PageCache.
func (b Builder) Build(name string) (*PageCache, error) {
	if b.backend == nil {
		return nil, fmt.Errorf("page cache %s has no backend", name)
	}

	if b.numSets <= 0 || b.numWays <= 0 {
		return nil, fmt.Errorf("invalid page cache geometry %d x %d",
			b.numSets, b.numWays)
	}

	meta := b.backend.Metadata()

	pageSize := b.pageSize
	if pageSize == 0 {
		pageSize = meta.EffectivePageSize()
	}

	if !mem.IsPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("page size 0x%x is not a power of two", pageSize)
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	validator := b.validator
	if validator == nil {
		validator = NeverExpire{}
	}

	c := &PageCache{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		backend:      b.backend,
		size:         meta.Size,
		pageSize:     pageSize,
		mask:         b.mask,
		validator:    validator,
		logger:       logger,
		taskID:       idgen.NewPrefixed(name+"-", idgen.NewSequential()),
	}
	c.storage = assoc.New[uint64, page](b.numSets, b.numWays,
		func(frame uint64) uint64 { return frame })

	return c, nil
}
