package access

import (
	"context"
	"errors"
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/cache"
	"github.com/sarchlab/vmi/mem/physmem"
	"github.com/sarchlab/vmi/mem/vm"
	"github.com/sarchlab/vmi/mem/vm/tlb"
	"go.uber.org/mock/gomock"
)

const tableBase = 0x10_0000

// plainBackend hides the batch interface of the backend it wraps.
type plainBackend struct {
	mem.Backend
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i*7)
	}

	return data
}

func buildPipeline(backend mem.Backend) (*Pipeline, *vm.Translator) {
	pc, err := cache.MakeBuilder().WithBackend(backend).Build("PageCache")
	Expect(err).NotTo(HaveOccurred())

	t, err := tlb.MakeBuilder().Build()
	Expect(err).NotTo(HaveOccurred())

	translator := vm.NewTranslator("Translator", vm.NewWalker(pc), t)

	p, err := MakeBuilder().
		WithPageCache(pc).
		WithTranslator(translator).
		WithParallelism(4).
		Build("Pipeline")
	Expect(err).NotTo(HaveOccurred())

	return p, translator
}

var _ = Describe("Builder", func() {
	It("should require a page cache", func() {
		_, err := MakeBuilder().Build("Pipeline")
		Expect(err).To(HaveOccurred())
	})

	It("should require a positive parallelism", func() {
		pc, err := cache.MakeBuilder().
			WithBackend(physmem.NewMemory(1 << 20)).
			Build("PageCache")
		Expect(err).NotTo(HaveOccurred())

		_, err = MakeBuilder().
			WithPageCache(pc).
			WithParallelism(0).
			Build("Pipeline")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Pipeline", func() {
	var (
		ctx        context.Context
		memory     *physmem.Memory
		pt         *vm.PageTable
		space      arch.AddressSpace
		pipeline   *Pipeline
		translator *vm.Translator
	)

	BeforeEach(func() {
		var err error

		ctx = context.Background()
		memory = physmem.NewMemory(1 << 32)

		pt, err = vm.NewPageTable(arch.X64(), memory, tableBase)
		Expect(err).NotTo(HaveOccurred())
		space = pt.Space()

		Expect(memory.WritePhysical(0x50_0000, pattern(0x4000, 3))).To(Succeed())

		pipeline, translator = buildPipeline(memory)
	})

	It("should accept empty batches and zero-length requests", func() {
		Expect(pipeline.Execute(ctx, nil)).To(BeEmpty())

		memory.ResetCounters()

		results := pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x50_0000, nil),
			NewVirtualWrite(space, 0xDEAD_0000, []byte{}),
		})

		Expect(results).To(Equal([]Result{{}, {}}))
		Expect(memory.NumReads() + memory.NumBatchReads()).To(BeZero())
		Expect(memory.NumWrites()).To(BeZero())
	})

	It("should fetch a page once for two reads that fall into it", func() {
		Expect(pt.Map(0x40_0000, 0x50_0000, 4096, vm.PermRead)).To(Succeed())

		_, err := translator.Translate(space, 0x40_0000)
		Expect(err).NotTo(HaveOccurred())

		memory.ResetCounters()

		a := make([]byte, 16)
		b := make([]byte, 16)
		results := pipeline.Execute(ctx, []Request{
			NewVirtualRead(space, 0x40_0000, a),
			NewVirtualRead(space, 0x40_0000+4000, b),
		})

		Expect(results).To(Equal([]Result{{N: 16}, {N: 16}}))
		Expect(a).To(Equal(pattern(0x4000, 3)[:16]))
		Expect(b).To(Equal(pattern(0x4000, 3)[4000:4016]))

		Expect(memory.NumBatchReads()).To(Equal(uint64(1)))
		Expect(memory.NumReads()).To(BeZero())
		Expect(pipeline.Stats().Spans).To(Equal(uint64(1)))
	})

	It("should deliver the same bytes as direct reads", func() {
		ranges := []struct {
			addr mem.Address
			n    int
		}{
			{0x50_0000, 16},
			{0x50_0008, 32},
			{0x50_0FF0, 0x30},
			{0x50_2000, 0x1000},
			{0x50_1FFF, 2},
			{0x50_3000, 100},
			{0x50_3064, 4},
			{0x50_0000, 0x4000},
		}

		reqs := make([]Request, len(ranges))
		for i, r := range ranges {
			reqs[i] = NewPhysicalRead(r.addr, make([]byte, r.n))
		}

		memory.ResetCounters()
		results := pipeline.Execute(ctx, reqs)

		for i, r := range ranges {
			Expect(results[i].Err).NotTo(HaveOccurred())
			Expect(results[i].N).To(Equal(r.n))

			direct := make([]byte, r.n)
			Expect(memory.ReadPhysical(r.addr, direct)).To(Succeed())
			Expect(reqs[i].Buf).To(Equal(direct))
		}

		Expect(memory.NumBatchReads()).To(Equal(uint64(1)))
	})

	It("should keep results in request order for any permutation", func() {
		Expect(pt.Map(0x40_0000, 0x50_2000, 4096, vm.PermRead)).To(Succeed())
		Expect(pt.Map(0x40_1000, 0x50_0000, 4096, vm.PermRead)).To(Succeed())

		type target struct {
			virtual bool
			addr    mem.Address
			n       int
		}

		targets := []target{
			{false, 0x50_0000, 0x20},
			{false, 0x50_0010, 0x30},
			{false, 0x50_0FF8, 0x10},
			{false, 0x50_1000, 0x1800},
			{false, 0x50_2004, 4},
			{true, 0x40_0FF0, 0x20},
			{true, 0x40_1000, 0x10},
			{true, 0x40_0000, 8},
			{true, 0x40_2000, 8},
		}

		expected := func(a target) ([]byte, error) {
			pa := a.addr
			if a.virtual {
				if a.addr+mem.Address(a.n) > 0x40_2000 {
					return nil, mem.ErrPageFault
				}

				data := make([]byte, a.n)
				for i := range data {
					va := a.addr + mem.Address(i)
					pa = 0x50_2000 + va - 0x40_0000
					if va >= 0x40_1000 {
						pa = 0x50_0000 + va - 0x40_1000
					}

					Expect(memory.ReadPhysical(pa, data[i:i+1])).To(Succeed())
				}

				return data, nil
			}

			data := make([]byte, a.n)
			Expect(memory.ReadPhysical(pa, data)).To(Succeed())

			return data, nil
		}

		rng := rand.New(rand.NewPCG(7, 11))

		for round := 0; round < 20; round++ {
			order := rng.Perm(len(targets))

			reqs := make([]Request, len(order))
			for i, k := range order {
				a := targets[k]
				if a.virtual {
					reqs[i] = NewVirtualRead(space, a.addr, make([]byte, a.n))
				} else {
					reqs[i] = NewPhysicalRead(a.addr, make([]byte, a.n))
				}
			}

			if round%2 == 1 {
				translator.FlushAll()
			}

			results := pipeline.Execute(ctx, reqs)
			Expect(results).To(HaveLen(len(reqs)))

			for i, k := range order {
				want, err := expected(targets[k])
				if err != nil {
					Expect(results[i].Err).To(MatchError(err))
					continue
				}

				Expect(results[i].OK()).To(BeTrue())
				Expect(results[i].N).To(Equal(targets[k].n))
				Expect(reqs[i].Buf).To(Equal(want))
			}
		}
	})

	It("should assemble virtual requests from scattered pages", func() {
		Expect(pt.Map(0x40_0000, 0x50_3000, 4096, vm.PermRead)).To(Succeed())
		Expect(pt.Map(0x40_1000, 0x50_0000, 4096, vm.PermRead)).To(Succeed())

		buf := make([]byte, 0x20)
		results := pipeline.Execute(ctx, []Request{
			NewVirtualRead(space, 0x40_0FF0, buf),
		})

		Expect(results[0].Err).NotTo(HaveOccurred())

		data := pattern(0x4000, 3)
		Expect(buf[:0x10]).To(Equal(data[0x3FF0:0x4000]))
		Expect(buf[0x10:]).To(Equal(data[:0x10]))
	})

	It("should read inside large pages", func() {
		Expect(pt.Map(0x20_0000, 0x40_0000, 2<<20, vm.PermAll)).To(Succeed())

		buf := make([]byte, 0x2000)
		results := pipeline.Execute(ctx, []Request{
			NewVirtualRead(space, 0x30_0000, buf),
		})

		Expect(results[0].Err).NotTo(HaveOccurred())
		Expect(buf).To(Equal(pattern(0x4000, 3)[:0x2000]))
		Expect(pipeline.Stats().Fragments).To(Equal(uint64(1)))
	})

	It("should fail requests that cannot be translated without I/O", func() {
		Expect(pt.Map(0x40_0000, 0x50_0000, 4096, vm.PermRead)).To(Succeed())

		memory.ResetCounters()

		results := pipeline.Execute(ctx, []Request{
			NewVirtualRead(space, 0x40_0000, make([]byte, 8)),
			NewVirtualRead(space, 0x40_0FFC, make([]byte, 8)),
			NewVirtualRead(space, 0x8000_0000_0000, make([]byte, 8)),
		})

		Expect(results[0].OK()).To(BeTrue())
		Expect(results[1].Err).To(MatchError(mem.ErrPageFault))
		Expect(results[1].N).To(BeZero())
		Expect(results[2].Err).To(MatchError(mem.ErrOutOfRange))
		Expect(pipeline.Stats().Failures).To(Equal(uint64(2)))
	})

	It("should fail physical ranges that wrap around", func() {
		results := pipeline.Execute(ctx, []Request{
			NewPhysicalRead(^mem.Address(0)-3, make([]byte, 8)),
		})

		Expect(results[0].Err).To(MatchError(mem.ErrOutOfRange))
	})

	It("should isolate failures per span", func() {
		memory.MarkBad(0x9000, 0x1000)

		results := pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x9010, make([]byte, 4)),
			NewPhysicalRead(0x50_0000, make([]byte, 4)),
			NewPhysicalRead(0x9F00, make([]byte, 4)),
			NewPhysicalRead(0x8FF0, make([]byte, 4)),
		})

		Expect(results[0].Err).To(MatchError(mem.ErrIO))
		Expect(results[1].OK()).To(BeTrue())
		Expect(results[2].Err).To(MatchError(mem.ErrIO))
		Expect(results[3].Err).To(MatchError(mem.ErrIO))
	})

	It("should serve warm pages from the page cache", func() {
		buf := make([]byte, 64)

		pipeline.Execute(ctx, []Request{NewPhysicalRead(0x50_1000, buf)})
		memory.ResetCounters()

		results := pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x50_1020, buf),
		})

		Expect(results[0].OK()).To(BeTrue())
		Expect(buf).To(Equal(pattern(0x4000, 3)[0x1020:0x1060]))
		Expect(memory.NumBatchReads() + memory.NumReads()).To(BeZero())
		Expect(pipeline.Stats().WarmPages).To(Equal(uint64(1)))
	})

	It("should fetch only the cold pages of a span", func() {
		pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x50_1000, make([]byte, 1)),
		})

		buf := make([]byte, 0x3000)
		results := pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x50_0000, buf),
		})

		Expect(results[0].OK()).To(BeTrue())
		Expect(buf).To(Equal(pattern(0x4000, 3)[:0x3000]))
		Expect(pipeline.Stats().Dispatches).To(Equal(uint64(2)))
		Expect(pipeline.Stats().BytesRead).To(Equal(uint64(0x3000)))
	})

	It("should let reads observe earlier writes of the batch", func() {
		warm := make([]byte, 4)
		pipeline.Execute(ctx, []Request{NewPhysicalRead(0x50_0010, warm)})

		after := make([]byte, 4)
		results := pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x50_0010, warm),
			NewPhysicalWrite(0x50_0011, []byte{0xEE, 0xEE}),
			NewPhysicalRead(0x50_0010, after),
		})

		for _, r := range results {
			Expect(r.OK()).To(BeTrue())
		}

		data := pattern(0x4000, 3)
		Expect(warm).To(Equal(data[0x10:0x14]))
		Expect(after).To(Equal([]byte{data[0x10], 0xEE, 0xEE, data[0x13]}))
	})

	It("should apply overlapping writes in input order", func() {
		buf := make([]byte, 4)
		results := pipeline.Execute(ctx, []Request{
			NewPhysicalWrite(0x7000, []byte{1, 1, 1, 1}),
			NewPhysicalWrite(0x7002, []byte{2, 2}),
			NewPhysicalWrite(0x6FFF, []byte{3, 3}),
			NewPhysicalRead(0x7000, buf),
		})

		Expect(results[3].OK()).To(BeTrue())
		Expect(buf).To(Equal([]byte{3, 1, 2, 2}))
	})

	It("should merge adjacent writes", func() {
		memory.ResetCounters()

		a := []byte{1, 2, 3, 4}
		results := pipeline.Execute(ctx, []Request{
			NewPhysicalWrite(0x8004, []byte{5, 6, 7, 8}),
			NewPhysicalWrite(0x8000, a),
			NewPhysicalWrite(0x8008, []byte{9}),
			NewPhysicalWrite(0x9000, []byte{10}),
		})

		for _, r := range results {
			Expect(r.OK()).To(BeTrue())
		}

		Expect(memory.NumWrites()).To(Equal(uint64(2)))
		Expect(a).To(Equal([]byte{1, 2, 3, 4}))

		buf := make([]byte, 9)
		Expect(memory.ReadPhysical(0x8000, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	})

	It("should write through virtual addresses", func() {
		Expect(pt.Map(0x40_0000, 0x60_0000, 4096, vm.PermWrite)).To(Succeed())

		results := pipeline.Execute(ctx, []Request{
			NewVirtualWrite(space, 0x40_0100, []byte{0xAB, 0xCD}),
		})
		Expect(results[0]).To(Equal(Result{N: 2}))

		buf := make([]byte, 2)
		Expect(memory.ReadPhysical(0x60_0100, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte{0xAB, 0xCD}))
	})

	It("should fail every request of a failed write", func() {
		memory.SetReadOnly(true)

		results := pipeline.Execute(ctx, []Request{
			NewPhysicalWrite(0x8000, []byte{1}),
			NewPhysicalWrite(0x8001, []byte{2}),
		})

		Expect(results[0].Err).To(MatchError(mem.ErrIO))
		Expect(results[1].Err).To(MatchError(mem.ErrIO))
	})

	It("should not send backend calls once cancelled", func() {
		cancelledCtx, cancel := context.WithCancel(ctx)
		cancel()

		memory.ResetCounters()

		results := pipeline.Execute(cancelledCtx, []Request{
			NewPhysicalRead(0x50_0000, make([]byte, 4)),
			NewPhysicalWrite(0x50_0000, []byte{1}),
		})

		for _, r := range results {
			Expect(r.Err).To(MatchError(mem.ErrIO))
			Expect(errors.Is(r.Err, context.Canceled)).To(BeTrue())
		}

		Expect(memory.NumBatchReads() + memory.NumReads()).To(BeZero())
		Expect(memory.NumWrites()).To(BeZero())
	})

	It("should reject virtual requests without a translator", func() {
		pc, err := cache.MakeBuilder().WithBackend(memory).Build("PageCache")
		Expect(err).NotTo(HaveOccurred())

		p, err := MakeBuilder().WithPageCache(pc).Build("Pipeline")
		Expect(err).NotTo(HaveOccurred())

		results := p.Execute(ctx, []Request{
			NewVirtualRead(space, 0x1000, make([]byte, 4)),
		})
		Expect(results[0].Err).To(MatchError(mem.ErrArchMismatch))
	})

	It("should trace batches and dispatches", func() {
		tracer := tracing.NewStatsTracer(tracing.WallClock{}, nil)
		tracing.CollectTrace(pipeline, tracer)

		pipeline.Execute(ctx, []Request{
			NewPhysicalRead(0x50_0000, make([]byte, 4)),
			NewPhysicalWrite(0x7000, []byte{1}),
		})

		counts := map[string]uint64{}
		for _, s := range tracer.Summaries() {
			counts[s.Kind+"/"+s.What] = s.Count
		}

		Expect(counts).To(Equal(map[string]uint64{
			"batch/execute":      1,
			"dispatch/read-many": 1,
			"dispatch/write":     1,
		}))
	})

	Context("with a backend without batch reads", func() {
		BeforeEach(func() {
			pipeline, _ = buildPipeline(plainBackend{memory})
		})

		It("should send one read per run", func() {
			memory.ResetCounters()

			a := make([]byte, 8)
			b := make([]byte, 8)
			results := pipeline.Execute(ctx, []Request{
				NewPhysicalRead(0x50_0000, a),
				NewPhysicalRead(0x50_3000, b),
				NewPhysicalRead(0x50_0004, make([]byte, 8)),
			})

			for _, r := range results {
				Expect(r.OK()).To(BeTrue())
			}

			Expect(a).To(Equal(pattern(0x4000, 3)[:8]))
			Expect(b).To(Equal(pattern(0x4000, 3)[0x3000:0x3008]))
			Expect(memory.NumReads()).To(Equal(uint64(2)))
			Expect(memory.NumBatchReads()).To(BeZero())
		})
	})
})

var _ = Describe("Pipeline with a mocked backend", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockBatchBackend
		pipeline *Pipeline
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockBatchBackend(mockCtrl)
		backend.EXPECT().
			Metadata().
			Return(mem.Metadata{Size: 0xF800, PageSize: 0x1000}).
			AnyTimes()

		pipeline, _ = buildPipeline(backend)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should send all runs in one batch and demultiplex errors", func() {
		backend.EXPECT().
			ReadPhysicalMany(gomock.Any()).
			DoAndReturn(func(reads []mem.PhysicalRead) []error {
				Expect(reads).To(HaveLen(2))
				Expect(reads[0].Addr).To(Equal(mem.Address(0x1000)))
				Expect(reads[0].Buf).To(HaveLen(0x2000))
				Expect(reads[1].Addr).To(Equal(mem.Address(0x8000)))

				reads[0].Buf[0x1FFF] = 9

				return []error{nil, errors.New("unreadable")}
			})

		a := make([]byte, 2)
		results := pipeline.Execute(context.Background(), []Request{
			NewPhysicalRead(0x2FFF, a[:1]),
			NewPhysicalRead(0x8010, make([]byte, 4)),
			NewPhysicalRead(0x1000, a[1:]),
		})

		Expect(results[0].OK()).To(BeTrue())
		Expect(a[0]).To(Equal(byte(9)))
		Expect(results[1].Err).To(MatchError(mem.ErrIO))
		Expect(results[2].OK()).To(BeTrue())
	})

	It("should read ranges that end at the top of the address space", func() {
		backend.EXPECT().
			ReadPhysicalMany(gomock.Any()).
			DoAndReturn(func(reads []mem.PhysicalRead) []error {
				Expect(reads).To(HaveLen(1))
				Expect(reads[0].Addr).
					To(Equal(mem.Address(0xFFFF_FFFF_FFFF_F000)))
				Expect(reads[0].Buf).To(HaveLen(0x1000))

				reads[0].Buf[0xFFF] = 7

				return nil
			})

		buf := make([]byte, 8)
		results := pipeline.Execute(context.Background(), []Request{
			NewPhysicalRead(^mem.Address(0)-7, buf),
		})

		Expect(results[0].OK()).To(BeTrue())
		Expect(buf[7]).To(Equal(byte(7)))
	})

	It("should clamp spans to the end of the backend", func() {
		backend.EXPECT().
			ReadPhysicalMany(gomock.Any()).
			DoAndReturn(func(reads []mem.PhysicalRead) []error {
				Expect(reads).To(HaveLen(1))
				Expect(reads[0].Addr).To(Equal(mem.Address(0xF000)))
				Expect(reads[0].Buf).To(HaveLen(0x800))

				return nil
			})

		results := pipeline.Execute(context.Background(), []Request{
			NewPhysicalRead(0xF000, make([]byte, 0x10)),
		})
		Expect(results[0].OK()).To(BeTrue())
	})
})
