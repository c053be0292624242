package access

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/cache"
	"golang.org/x/sync/errgroup"
)

// A span is a page-aligned physical range that serves one or more
// fragments.
type span struct {
	start    mem.Address
	end      mem.Address
	pageType mem.PageType
	frags    []fragment
	data     []byte
	err      error
}

// A run is a contiguous part of a span that is fetched from the backend.
type run struct {
	span *span
	addr mem.Address
	data []byte
	err  error
}

func (p *Pipeline) readStage(ctx context.Context, b *batch, frags []fragment) {
	if len(frags) == 0 {
		return
	}

	spans := p.coalesce(frags)
	p.spans.Add(uint64(len(spans)))

	var runs []*run
	for _, s := range spans {
		runs = append(runs, p.plan(s)...)
	}

	p.fetch(ctx, b, runs)

	for _, s := range spans {
		if s.err != nil {
			for _, f := range s.frags {
				b.fail(f.req, s.err)
			}

			continue
		}

		for _, f := range s.frags {
			src := s.data[f.pa.Addr-s.start:]
			copy(b.reqs[f.req].Buf[f.off:f.off+f.n], src)
		}
	}
}

// spanEnd widens the end of a fragment to a page boundary, without going
// past the end of the backend.
func (p *Pipeline) spanEnd(end mem.Address) mem.Address {
	aligned := mem.AlignUp(uint64(end), p.pageSize)
	if aligned < uint64(end) {
		return end
	}

	if p.size != 0 && aligned > p.size {
		aligned = max(p.size, uint64(end))
	}

	return mem.Address(aligned)
}

// coalesce turns fragments into page-aligned spans, sorted by address, and
// merges the spans that overlap or touch.
func (p *Pipeline) coalesce(frags []fragment) []*span {
	spans := make([]*span, 0, len(frags))
	for _, f := range frags {
		spans = append(spans, &span{
			start:    f.pa.PageBase(p.pageSize),
			end:      p.spanEnd(f.end()),
			pageType: f.pa.PageType,
			frags:    []fragment{f},
		})
	}

	slices.SortStableFunc(spans, func(a, b *span) int {
		return cmp.Compare(a.start, b.start)
	})

	merged := spans[:1]
	for _, s := range spans[1:] {
		last := merged[len(merged)-1]
		if last.end != 0 && s.start > last.end {
			merged = append(merged, s)
			continue
		}

		last.end = laterEnd(last.end, s.end)
		last.frags = append(last.frags, s.frags...)

		if !p.pageCache.IsCacheable(last.pageType) &&
			p.pageCache.IsCacheable(s.pageType) {
			last.pageType = s.pageType
		}
	}

	return merged
}

// plan copies the warm pages of a span from the page cache and returns the
// runs of pages that must be fetched.
func (p *Pipeline) plan(s *span) []*run {
	length := uint64(s.end - s.start)
	s.data = make([]byte, length)

	var (
		runs []*run
		cur  *run
	)

	for off := uint64(0); off < length; {
		addr := s.start.Add(off)
		n := min(p.pageSize, length-off)
		chunk := s.data[off : off+n]

		pa := mem.PhysicalAddress{Addr: addr, PageType: s.pageType}
		if n == p.pageSize && p.pageCache.Peek(pa, 0, chunk) {
			p.warmPages.Add(1)
			cur = nil
		} else if cur != nil {
			start := uint64(cur.addr - s.start)
			cur.data = s.data[start : off+n]
		} else {
			cur = &run{span: s, addr: addr, data: chunk}
			runs = append(runs, cur)
		}

		off += n
	}

	return runs
}

// fetch reads the runs from the backend and fills the page cache with the
// whole pages fetched. A failed run fails its span.
func (p *Pipeline) fetch(ctx context.Context, b *batch, runs []*run) {
	if len(runs) == 0 {
		return
	}

	token := p.pageCache.BeginFill()

	if bb, ok := p.backend.(mem.BatchBackend); ok {
		p.fetchMany(ctx, b, bb, runs)
	} else {
		p.fetchEach(ctx, b, runs)
	}

	for _, r := range runs {
		if r.err != nil {
			if r.span.err == nil {
				r.span.err = mem.WrapIO(r.addr, r.err)
			}

			continue
		}

		p.bytesRead.Add(uint64(len(r.data)))
		p.fillRun(r, token)
	}
}

func cancelled(ctx context.Context, addr mem.Address) error {
	if err := ctx.Err(); err != nil {
		return mem.NewError(mem.KindIO, addr, err)
	}

	return nil
}

func (p *Pipeline) fetchEach(ctx context.Context, b *batch, runs []*run) {
	var g errgroup.Group

	g.SetLimit(p.parallelism)

	for _, r := range runs {
		if r.err = cancelled(ctx, r.addr); r.err != nil {
			continue
		}

		g.Go(func() error {
			if r.err = cancelled(ctx, r.addr); r.err != nil {
				return nil
			}

			taskID := p.startDispatch(b.taskID, "read", r.addr)
			defer p.endDispatch(taskID)

			p.dispatches.Add(1)
			r.err = p.backend.ReadPhysical(r.addr, r.data)

			return nil
		})
	}

	_ = g.Wait()
}

func (p *Pipeline) fetchMany(
	ctx context.Context,
	b *batch,
	bb mem.BatchBackend,
	runs []*run,
) {
	if err := cancelled(ctx, runs[0].addr); err != nil {
		for _, r := range runs {
			r.err = err
		}

		return
	}

	reads := make([]mem.PhysicalRead, len(runs))
	for i, r := range runs {
		reads[i] = mem.PhysicalRead{Addr: r.addr, Buf: r.data}
	}

	taskID := p.startDispatch(b.taskID, "read-many", runs[0].addr)
	defer p.endDispatch(taskID)

	p.dispatches.Add(1)
	errs := bb.ReadPhysicalMany(reads)

	if errs != nil && len(errs) != len(runs) {
		err := fmt.Errorf("backend returned %d results for %d reads",
			len(errs), len(runs))
		for _, r := range runs {
			r.err = err
		}

		return
	}

	for i, err := range errs {
		runs[i].err = err
	}
}

func (p *Pipeline) fillRun(r *run, token cache.FillToken) {
	for off := uint64(0); off+p.pageSize <= uint64(len(r.data)); off += p.pageSize {
		pa := mem.PhysicalAddress{Addr: r.addr.Add(off), PageType: r.span.pageType}
		p.pageCache.Fill(pa, r.data[off:off+p.pageSize], token)
	}
}
