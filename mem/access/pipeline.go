package access

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/instrumentation/hooking"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/cache"
)

// Stats counts what happened in a Pipeline.
type Stats struct {
	Batches    uint64
	Requests   uint64
	Failures   uint64
	Fragments  uint64
	Spans      uint64
	WarmPages  uint64
	Dispatches uint64
	BytesRead  uint64
	Writes     uint64
}

// A Pipeline executes batches of requests.
//
// Requests are processed in stages. A stage is a run of consecutive requests
// with the same direction, and stages run one after the other, so a read
// observes every write that comes before it in the batch. Within a read
// stage, the physical ranges of all requests are widened to page bounds and
// merged. Pages found in the page cache are copied, the remaining pages of a
// merged span are fetched with one backend call per contiguous run.
type Pipeline struct {
	*hooking.HookableBase

	name        string
	pageCache   *cache.PageCache
	backend     mem.Backend
	pageSize    uint64
	size        uint64
	translator  Translator
	parallelism int
	taskID      idgen.Generator

	batches    atomic.Uint64
	requests   atomic.Uint64
	failures   atomic.Uint64
	fragments  atomic.Uint64
	spans      atomic.Uint64
	warmPages  atomic.Uint64
	dispatches atomic.Uint64
	bytesRead  atomic.Uint64
	writes     atomic.Uint64
}

// Name returns the name of the pipeline.
func (p *Pipeline) Name() string {
	return p.name
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Batches:    p.batches.Load(),
		Requests:   p.requests.Load(),
		Failures:   p.failures.Load(),
		Fragments:  p.fragments.Load(),
		Spans:      p.spans.Load(),
		WarmPages:  p.warmPages.Load(),
		Dispatches: p.dispatches.Load(),
		BytesRead:  p.bytesRead.Load(),
		Writes:     p.writes.Load(),
	}
}

// A fragment is a physically contiguous part of a request.
type fragment struct {
	req int
	seq int
	off uint64
	pa  mem.PhysicalAddress
	n   uint64
}

func (f fragment) end() mem.Address {
	return f.pa.Addr.Add(f.n)
}

// Range ends are exclusive. An end of zero stands for the top of the address
// space, so ranges may reach the last byte.

// reaches reports whether a range ending at end covers addr or goes past it.
func reaches(end, addr mem.Address) bool {
	return end == 0 || addr < end
}

func laterEnd(a, b mem.Address) mem.Address {
	if a == 0 || b == 0 {
		return 0
	}

	return max(a, b)
}

type batch struct {
	taskID  string
	reqs    []Request
	results []Result
}

// fail records the first error of a request.
func (b *batch) fail(req int, err error) {
	if b.results[req].Err == nil {
		b.results[req].Err = err
	}
}

// Execute runs the requests and returns one result per request, in the same
// order. Requests fail independently.
//
// Cancelling ctx prevents backend calls that were not sent yet. Requests that
// lose a backend call this way fail with an IO error that wraps ctx.Err().
func (p *Pipeline) Execute(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	b := &batch{reqs: reqs, results: results}
	b.taskID = p.startBatch(len(reqs))
	defer p.endBatch(b.taskID)

	p.batches.Add(1)
	p.requests.Add(uint64(len(reqs)))

	for start := 0; start < len(reqs); {
		end := start + 1
		for end < len(reqs) && reqs[end].Direction == reqs[start].Direction {
			end++
		}

		frags := p.resolve(b, start, end)
		p.fragments.Add(uint64(len(frags)))

		switch reqs[start].Direction {
		case Read:
			p.readStage(ctx, b, frags)
		case Write:
			p.writeStage(ctx, b, frags)
		default:
			panic(fmt.Sprintf("unknown direction %s", reqs[start].Direction))
		}

		start = end
	}

	for i := range results {
		if results[i].Err != nil {
			p.failures.Add(1)
			continue
		}

		results[i].N = len(reqs[i].Buf)
	}

	p.pageCache.Tick()

	return results
}

// resolve translates the requests in [start, end) and splits them into
// per-page fragments. Requests that fail translation are marked failed and
// produce no fragment.
func (p *Pipeline) resolve(b *batch, start, end int) []fragment {
	var frags []fragment

	for i := start; i < end; i++ {
		r := b.reqs[i]
		n := uint64(len(r.Buf))

		if n == 0 {
			continue
		}

		if uint64(r.Addr)+(n-1) < uint64(r.Addr) {
			b.fail(i, mem.NewError(mem.KindOutOfRange, r.Addr,
				fmt.Errorf("range of %d bytes wraps around", n)))
			continue
		}

		if !r.IsVirtual() {
			frags = append(frags, fragment{
				req: i,
				seq: len(frags),
				pa:  mem.NewPhysicalAddress(r.Addr),
				n:   n,
			})

			continue
		}

		resolved, err := p.translate(*r.Space, r.Addr, n)
		if err != nil {
			b.fail(i, err)
			continue
		}

		for _, f := range resolved {
			f.req = i
			f.seq = len(frags)
			frags = append(frags, f)
		}
	}

	return frags
}

func (p *Pipeline) translate(
	space arch.AddressSpace,
	va mem.Address,
	n uint64,
) ([]fragment, error) {
	if p.translator == nil {
		return nil, mem.NewError(mem.KindArchMismatch, va,
			fmt.Errorf("pipeline %s cannot translate virtual addresses", p.name))
	}

	var frags []fragment

	for done := uint64(0); done < n; {
		cur := va.Add(done)

		e, err := p.translator.Translate(space, cur)
		if err != nil {
			return nil, err
		}

		k := min(e.Remaining(cur), n-done)
		frags = append(frags, fragment{
			off: done,
			pa:  e.Translate(cur),
			n:   k,
		})

		done += k
	}

	return frags, nil
}
