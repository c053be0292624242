package access

import (
	"fmt"

	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/instrumentation/hooking"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/cache"
	"github.com/sarchlab/vmi/mem/vm"
)

// A Translator resolves virtual addresses. vm.Translator is the usual
// implementation.
type Translator interface {
	Translate(space arch.AddressSpace, va mem.Address) (vm.Entry, error)
}

// A Builder can build pipelines.
type Builder struct {
	pageCache   *cache.PageCache
	translator  Translator
	parallelism int
}

// MakeBuilder returns a Builder that dispatches up to 8 backend calls at a
// time.
func MakeBuilder() Builder {
	return Builder{
		parallelism: 8,
	}
}

// WithPageCache sets the page cache. Backend calls go to the backend of the
// cache.
func (b Builder) WithPageCache(c *cache.PageCache) Builder {
	b.pageCache = c
	return b
}

// WithTranslator sets the translator used for virtual requests.
func (b Builder) WithTranslator(t Translator) Builder {
	b.translator = t
	return b
}

// WithParallelism sets how many backend calls can be outstanding at a time.
func (b Builder) WithParallelism(n int) Builder {
	b.parallelism = n
	return b
}

// Build creates a new Pipeline.
func (b Builder) Build(name string) (*Pipeline, error) {
	if b.pageCache == nil {
		return nil, fmt.Errorf("pipeline %s has no page cache", name)
	}

	if b.parallelism <= 0 {
		return nil, fmt.Errorf("parallelism must be positive, got %d",
			b.parallelism)
	}

	p := &Pipeline{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		pageCache:    b.pageCache,
		backend:      b.pageCache.Backend(),
		pageSize:     b.pageCache.PageSize(),
		size:         b.pageCache.Backend().Metadata().Size,
		translator:   b.translator,
		parallelism:  b.parallelism,
		taskID:       idgen.NewPrefixed(name+"-", idgen.NewSequential()),
	}

	return p, nil
}
