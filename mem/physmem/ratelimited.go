package physmem

import (
	"context"

	"github.com/sarchlab/vmi/mem"
	"golang.org/x/time/rate"
)

// RateLimited throttles the calls made to a slow or shared backend. Every
// backend call takes one token, whatever its size. Batched reads take one
// token for the whole batch.
type RateLimited struct {
	backend mem.Backend
	limiter *rate.Limiter
}

// NewRateLimited wraps a backend with a limiter.
func NewRateLimited(backend mem.Backend, limiter *rate.Limiter) *RateLimited {
	return &RateLimited{backend: backend, limiter: limiter}
}

// Limiter returns the limiter in use.
func (r *RateLimited) Limiter() *rate.Limiter {
	return r.limiter
}

func (r *RateLimited) wait() error {
	return r.limiter.Wait(context.Background())
}

// Metadata returns the metadata of the wrapped backend.
func (r *RateLimited) Metadata() mem.Metadata {
	return r.backend.Metadata()
}

// ReadPhysical waits for a token and reads from the wrapped backend.
func (r *RateLimited) ReadPhysical(addr mem.Address, buf []byte) error {
	if err := r.wait(); err != nil {
		return err
	}

	return r.backend.ReadPhysical(addr, buf)
}

// WritePhysical waits for a token and writes to the wrapped backend.
func (r *RateLimited) WritePhysical(addr mem.Address, data []byte) error {
	if err := r.wait(); err != nil {
		return err
	}

	return r.backend.WritePhysical(addr, data)
}

// ReadPhysicalMany waits for one token and forwards the batch. Backends
// without batch support receive the reads one by one.
func (r *RateLimited) ReadPhysicalMany(reads []mem.PhysicalRead) []error {
	if err := r.wait(); err != nil {
		errs := make([]error, len(reads))
		for i := range errs {
			errs[i] = err
		}

		return errs
	}

	if bb, ok := r.backend.(mem.BatchBackend); ok {
		return bb.ReadPhysicalMany(reads)
	}

	var errs []error

	for i, rd := range reads {
		err := r.backend.ReadPhysical(rd.Addr, rd.Buf)
		if err == nil {
			continue
		}

		if errs == nil {
			errs = make([]error, len(reads))
		}

		errs[i] = err
	}

	return errs
}

var _ mem.BatchBackend = (*RateLimited)(nil)
