package engine

import (
	"fmt"

	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/access"
	"github.com/sarchlab/vmi/mem/cache"
	"github.com/sarchlab/vmi/mem/vm"
	"github.com/sarchlab/vmi/mem/vm/tlb"
	"github.com/sirupsen/logrus"
)

// A Builder can build engines.
type Builder struct {
	backend        mem.Backend
	tlbSets        int
	tlbWays        int
	pageCacheSets  int
	pageCacheWays  int
	pageTypeMask   mem.PageType
	validator      cache.Validator
	parallelism    int
	maxStringBytes int
	logger         logrus.FieldLogger
	ids            idgen.Generator
}

// MakeBuilder returns a Builder with a 1024-entry TLB, a 1024-page page
// cache that caches every page and never expires it, and 8 parallel backend
// calls per batch.
func MakeBuilder() Builder {
	return Builder{
		tlbSets:        64,
		tlbWays:        16,
		pageCacheSets:  64,
		pageCacheWays:  16,
		pageTypeMask:   mem.PageTypeMaskAll,
		validator:      cache.NeverExpire{},
		parallelism:    8,
		maxStringBytes: DefaultMaxStringBytes,
		ids:            idgen.NewUnique(),
	}
}

// WithBackend sets the physical memory the engine inspects.
func (b Builder) WithBackend(backend mem.Backend) Builder {
	b.backend = backend
	return b
}

// WithTLBGeometry sets the number of sets and ways of the translation cache.
func (b Builder) WithTLBGeometry(numSets, numWays int) Builder {
	b.tlbSets = numSets
	b.tlbWays = numWays

	return b
}

// WithPageCacheGeometry sets the number of sets and ways of the page cache.
func (b Builder) WithPageCacheGeometry(numSets, numWays int) Builder {
	b.pageCacheSets = numSets
	b.pageCacheWays = numWays

	return b
}

// WithPageTypeMask selects the page types the page cache keeps.
func (b Builder) WithPageTypeMask(mask mem.PageType) Builder {
	b.pageTypeMask = mask
	return b
}

// WithValidator sets the freshness policy of the page cache. Engines that
// inspect a running target should use an expiring validator.
func (b Builder) WithValidator(v cache.Validator) Builder {
	b.validator = v
	return b
}

// WithParallelism sets how many backend calls a batch can have outstanding.
func (b Builder) WithParallelism(n int) Builder {
	b.parallelism = n
	return b
}

// WithMaxStringBytes sets the default limit of ReadCString.
func (b Builder) WithMaxStringBytes(n int) Builder {
	b.maxStringBytes = n
	return b
}

// WithLogger sets the logger. The engine adds its ID as a field.
func (b Builder) WithLogger(logger logrus.FieldLogger) Builder {
	b.logger = logger
	return b
}

// WithIDGenerator sets how the engine ID is chosen.
func (b Builder) WithIDGenerator(g idgen.Generator) Builder {
	b.ids = g
	return b
}

// Build creates a new Engine with empty caches.
func (b Builder) Build() (*Engine, error) {
	if b.backend == nil {
		return nil, fmt.Errorf("engine has no backend")
	}

	if b.maxStringBytes <= 0 {
		return nil, fmt.Errorf("string limit must be positive, got %d",
			b.maxStringBytes)
	}

	id := b.ids.Generate()

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	entry := logger.WithField("engine", id)

	pageCache, err := cache.MakeBuilder().
		WithBackend(b.backend).
		WithNumSets(b.pageCacheSets).
		WithNumWays(b.pageCacheWays).
		WithPageTypeMask(b.pageTypeMask).
		WithValidator(b.validator).
		WithLogger(entry).
		Build(id + ".PageCache")
	if err != nil {
		return nil, err
	}

	translations, err := tlb.MakeBuilder().
		WithNumSets(b.tlbSets).
		WithNumWays(b.tlbWays).
		Build()
	if err != nil {
		return nil, err
	}

	translator := vm.NewTranslator(id+".Translator",
		vm.NewWalker(pageCache), translations)

	pipeline, err := access.MakeBuilder().
		WithPageCache(pageCache).
		WithTranslator(translator).
		WithParallelism(b.parallelism).
		Build(id + ".Pipeline")
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:             id,
		logger:         entry,
		backend:        b.backend,
		pageCache:      pageCache,
		tlb:            translations,
		translator:     translator,
		pipeline:       pipeline,
		maxStringBytes: b.maxStringBytes,
	}

	entry.WithFields(logrus.Fields{
		"backend_size": b.backend.Metadata().Size,
		"page_size":    pageCache.PageSize(),
	}).Debug("engine created")

	return e, nil
}
