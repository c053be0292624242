package access

import (
	"cmp"
	"context"
	"slices"

	"github.com/sarchlab/vmi/mem"
)

// A writeUnit is one backend write. It carries either a single fragment that
// overlaps other writes, or a chain of exactly adjacent fragments that
// overlap nothing.
type writeUnit struct {
	order       int
	addr        mem.Address
	pageType    mem.PageType
	data        []byte
	owned       bool
	overlapping bool
	frags       []fragment
}

func (u *writeUnit) end() mem.Address {
	return u.addr.Add(uint64(len(u.data)))
}

func (p *Pipeline) writeStage(ctx context.Context, b *batch, frags []fragment) {
	if len(frags) == 0 {
		return
	}

	for _, u := range p.planWrites(b, frags) {
		if err := cancelled(ctx, u.addr); err != nil {
			for _, f := range u.frags {
				b.fail(f.req, err)
			}

			continue
		}

		taskID := p.startDispatch(b.taskID, "write", u.addr)

		p.dispatches.Add(1)
		p.writes.Add(1)

		pa := mem.PhysicalAddress{Addr: u.addr, PageType: u.pageType}
		err := p.pageCache.Write(pa, u.data)

		p.endDispatch(taskID)

		if err != nil {
			for _, f := range u.frags {
				b.fail(f.req, mem.WrapIO(u.addr, err))
			}
		}
	}
}

// planWrites groups write fragments into backend writes. Fragments that
// overlap another fragment are written alone. The others are merged with
// their exact neighbors. Writes are returned in the input order of their
// first fragment, so writes to the same bytes apply in input order.
func (p *Pipeline) planWrites(b *batch, frags []fragment) []*writeUnit {
	sorted := slices.Clone(frags)
	slices.SortStableFunc(sorted, func(x, y fragment) int {
		return cmp.Compare(x.pa.Addr, y.pa.Addr)
	})

	var units []*writeUnit

	for i := 0; i < len(sorted); {
		j := i + 1
		maxEnd := sorted[i].end()

		for j < len(sorted) && reaches(maxEnd, sorted[j].pa.Addr) {
			maxEnd = laterEnd(maxEnd, sorted[j].end())
			j++
		}

		if j-i > 1 {
			for _, f := range sorted[i:j] {
				u := newWriteUnit(b, f)
				u.overlapping = true
				units = append(units, u)
			}

			i = j

			continue
		}

		f := sorted[i]
		i = j

		if len(units) > 0 {
			last := units[len(units)-1]
			if !last.overlapping && last.end() == f.pa.Addr {
				last.extend(b, f)
				continue
			}
		}

		units = append(units, newWriteUnit(b, f))
	}

	slices.SortStableFunc(units, func(x, y *writeUnit) int {
		return cmp.Compare(x.order, y.order)
	})

	return units
}

func fragmentData(b *batch, f fragment) []byte {
	return b.reqs[f.req].Buf[f.off : f.off+f.n]
}

func newWriteUnit(b *batch, f fragment) *writeUnit {
	return &writeUnit{
		order:    f.seq,
		addr:     f.pa.Addr,
		pageType: f.pa.PageType,
		data:     fragmentData(b, f),
		frags:    []fragment{f},
	}
}

func (u *writeUnit) extend(b *batch, f fragment) {
	if !u.owned {
		u.data = append([]byte(nil), u.data...)
		u.owned = true
	}

	u.data = append(u.data, fragmentData(b, f)...)
	u.frags = append(u.frags, f)
	u.order = min(u.order, f.seq)
}
