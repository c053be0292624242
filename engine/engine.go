// Package engine ties the translation engine, both caches and the access
// pipeline into one introspection session over a physical backend.
//
// An Engine is the whole surface an OS-aware layer needs. Engines share
// nothing, so several sessions can inspect different targets, or the same
// target, side by side.
package engine

import (
	"context"

	"github.com/sarchlab/vmi/instrumentation/hooking"
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/access"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/cache"
	"github.com/sarchlab/vmi/mem/vm"
	"github.com/sarchlab/vmi/mem/vm/tlb"
	"github.com/sirupsen/logrus"
)

// DefaultMaxStringBytes is the longest string ReadCString reads by default.
const DefaultMaxStringBytes = 4096

// Stats collects the counters of the parts of an engine.
type Stats struct {
	TLB       tlb.Stats
	PageCache cache.Stats
	Pipeline  access.Stats
}

// An Engine is one introspection session. It is safe for concurrent use.
type Engine struct {
	id             string
	logger         *logrus.Entry
	backend        mem.Backend
	pageCache      *cache.PageCache
	tlb            *tlb.TLB
	translator     *vm.Translator
	pipeline       *access.Pipeline
	maxStringBytes int
}

// ID returns the unique ID of the engine.
func (e *Engine) ID() string {
	return e.id
}

// Backend returns the physical memory the engine inspects.
func (e *Engine) Backend() mem.Backend {
	return e.backend
}

// Translate resolves va in the address space.
func (e *Engine) Translate(space arch.AddressSpace, va mem.Address) (vm.Entry, error) {
	return e.translator.Translate(space, va)
}

// TranslateAddress resolves va in the address space to a physical address.
func (e *Engine) TranslateAddress(
	space arch.AddressSpace,
	va mem.Address,
) (mem.PhysicalAddress, error) {
	entry, err := e.translator.Translate(space, va)
	if err != nil {
		return mem.PhysicalAddress{}, err
	}

	return entry.Translate(va), nil
}

// Execute runs a batch of requests. See access.Pipeline.Execute.
func (e *Engine) Execute(ctx context.Context, reqs []access.Request) []access.Result {
	return e.pipeline.Execute(ctx, reqs)
}

// Invalidate drops the cached translations of an address space. Call it when
// the target may have changed the page tables, for example after a context
// switch or when a process exits. Cached table pages are re-read by the next
// walk.
func (e *Engine) Invalidate(space arch.AddressSpace) {
	e.pageCache.InvalidateTables()
	e.translator.Invalidate(space)
	e.logger.WithField("space", space.String()).Debug("address space invalidated")
}

// InvalidatePhysical drops the cached copy of the physical page that holds
// addr.
func (e *Engine) InvalidatePhysical(addr mem.Address) {
	e.pageCache.Invalidate(addr)
	e.logger.WithField("addr", addr.String()).Debug("physical page invalidated")
}

// FlushAll empties both caches.
func (e *Engine) FlushAll() {
	e.translator.FlushAll()
	e.pageCache.FlushAll()
	e.logger.Debug("caches flushed")
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		TLB:       e.tlb.Stats(),
		PageCache: e.pageCache.Stats(),
		Pipeline:  e.pipeline.Stats(),
	}
}

// Hookables returns the parts of the engine that report tasks, so that
// tracers can be attached to some of them only.
func (e *Engine) Hookables() []tracing.NamedHookable {
	return []tracing.NamedHookable{e.translator, e.pageCache, e.pipeline}
}

// AcceptHook registers a hook with every part of the engine.
func (e *Engine) AcceptHook(hook hooking.Hook) {
	for _, h := range e.Hookables() {
		h.AcceptHook(hook)
	}
}

func (e *Engine) single(ctx context.Context, req access.Request) error {
	return e.pipeline.Execute(ctx, []access.Request{req})[0].Err
}

// ReadVirtual fills buf with the bytes at va.
func (e *Engine) ReadVirtual(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
	buf []byte,
) error {
	return e.single(ctx, access.NewVirtualRead(space, va, buf))
}

// WriteVirtual writes data at va.
func (e *Engine) WriteVirtual(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
	data []byte,
) error {
	return e.single(ctx, access.NewVirtualWrite(space, va, data))
}

// ReadPhysical fills buf with the bytes at a physical address.
func (e *Engine) ReadPhysical(ctx context.Context, pa mem.Address, buf []byte) error {
	return e.single(ctx, access.NewPhysicalRead(pa, buf))
}

// WritePhysical writes data at a physical address.
func (e *Engine) WritePhysical(ctx context.Context, pa mem.Address, data []byte) error {
	return e.single(ctx, access.NewPhysicalWrite(pa, data))
}
