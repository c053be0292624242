package vm

import (
	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/instrumentation/hooking"
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
)

// A Stamp records the generation of an address space at some point in time.
// Entries inserted with a stamp that predates an invalidation are stale.
type Stamp uint64

// A TranslationCache remembers the results of page-table walks.
type TranslationCache interface {
	// Lookup returns a fresh entry that contains va.
	Lookup(space arch.AddressSpace, va mem.Address) (Entry, bool)

	// Snapshot returns the current generation of the address space.
	Snapshot(space arch.AddressSpace) Stamp

	// InsertAt stores an entry produced by a walk that started when the
	// generation was stamp.
	InsertAt(space arch.AddressSpace, va mem.Address, entry Entry, stamp Stamp)

	// Invalidate makes every entry of the address space stale.
	Invalidate(space arch.AddressSpace)

	// FlushAll drops every entry.
	FlushAll()
}

// Hook steps reported by the Translator for each translation task.
const (
	StepHit   = "hit"
	StepMiss  = "miss"
	StepFault = "fault"
	StepError = "error"
)

// A Translator resolves virtual addresses, consulting a TranslationCache
// before walking the page tables. Faults are never cached.
type Translator struct {
	*hooking.HookableBase

	name   string
	walker *Walker
	cache  TranslationCache
	taskID idgen.Generator
}

// NewTranslator creates a Translator. The cache may be nil, in which case
// every translation walks the tables.
func NewTranslator(
	name string,
	walker *Walker,
	cache TranslationCache,
) *Translator {
	return &Translator{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		walker:       walker,
		cache:        cache,
		taskID:       idgen.NewPrefixed(name+"-", idgen.NewSequential()),
	}
}

// Name returns the name of the translator.
func (t *Translator) Name() string {
	return t.name
}

// Translate returns the entry that maps va in the address space.
func (t *Translator) Translate(
	space arch.AddressSpace,
	va mem.Address,
) (Entry, error) {
	taskID := ""
	if tracing.IsTracing(t) {
		taskID = t.taskID.Generate()
		tracing.StartTask(taskID, "", t, "translation", "translate", va)

		defer tracing.EndTask(taskID, t)
	}

	if err := space.Check(); err != nil {
		t.step(taskID, StepError)
		return Entry{}, err
	}

	var stamp Stamp

	if t.cache != nil {
		e, ok := t.cache.Lookup(space, va)
		if ok {
			t.step(taskID, StepHit)
			return e, nil
		}

		t.step(taskID, StepMiss)

		stamp = t.cache.Snapshot(space)
	}

	e, err := t.walker.Walk(space, va)
	if err != nil {
		if mem.KindOf(err) == mem.KindPageFault {
			t.step(taskID, StepFault)
		} else {
			t.step(taskID, StepError)
		}

		return Entry{}, err
	}

	if t.cache != nil {
		t.cache.InsertAt(space, va, e, stamp)
	}

	return e, nil
}

func (t *Translator) step(taskID, what string) {
	if taskID == "" {
		return
	}

	tracing.AddTaskStep(taskID, t, what)
}

// Invalidate drops the cached translations of an address space.
func (t *Translator) Invalidate(space arch.AddressSpace) {
	if t.cache != nil {
		t.cache.Invalidate(space)
	}
}

// FlushAll drops every cached translation.
func (t *Translator) FlushAll() {
	if t.cache != nil {
		t.cache.FlushAll()
	}
}
