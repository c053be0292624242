package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/sarchlab/vmi/mem"
)

const tableBase = 0x10_0000

// throughEngine lets page tables be edited through the engine, so that the
// page cache sees the edits.
type throughEngine struct {
	e *Engine
}

func (t throughEngine) ReadPhysical(addr mem.Address, buf []byte) error {
	return t.e.ReadPhysical(context.Background(), addr, buf)
}

func (t throughEngine) WritePhysical(addr mem.Address, data []byte) error {
	return t.e.WritePhysical(context.Background(), addr, data)
}

func (t throughEngine) Metadata() mem.Metadata {
	return t.e.Backend().Metadata()
}

// flakyBackend fails the first reads that touch a region.
type flakyBackend struct {
	mem.Backend

	lock     sync.Mutex
	region   mem.MemoryRegion
	failures int
	attempts int
}

func (f *flakyBackend) ReadPhysical(addr mem.Address, buf []byte) error {
	f.lock.Lock()

	end := addr.Add(uint64(len(buf)))
	touches := addr < f.region.End() && end > f.region.Base

	if touches {
		f.attempts++

		if f.failures > 0 {
			f.failures--
			f.lock.Unlock()

			return errors.New("target busy")
		}
	}

	f.lock.Unlock()

	return f.Backend.ReadPhysical(addr, buf)
}
