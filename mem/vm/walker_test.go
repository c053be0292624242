package vm_test

import (
	"encoding/binary"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/physmem"
	"github.com/sarchlab/vmi/mem/vm"
)

const tableBase = mem.Address(0x10_0000)

func newTables(d *arch.Descriptor, m *physmem.Memory) *vm.PageTable {
	pt, err := vm.NewPageTable(d, m, tableBase)
	Expect(err).NotTo(HaveOccurred())

	return pt
}

func rootEntryAddr(pt *vm.PageTable, d *arch.Descriptor, va mem.Address) mem.Address {
	return pt.Root() + mem.Address(d.IndexAt(va, 0)*uint64(d.EntrySize))
}

func updateEntry64(m *physmem.Memory, addr mem.Address, fn func(uint64) uint64) {
	buf := make([]byte, 8)
	Expect(m.ReadPhysical(addr, buf)).To(Succeed())
	binary.LittleEndian.PutUint64(buf, fn(binary.LittleEndian.Uint64(buf)))
	Expect(m.WritePhysical(addr, buf)).To(Succeed())
}

var _ = Describe("Walker", func() {
	var (
		memory *physmem.Memory
		walker *vm.Walker
	)

	BeforeEach(func() {
		memory = physmem.NewMemory(1 << 32)
		walker = vm.NewWalker(vm.BackendReader{Backend: memory})
	})

	Context("two-level tables with 4K pages", func() {
		var pt *vm.PageTable

		BeforeEach(func() {
			pt = newTables(arch.X86(), memory)
		})

		It("should translate a present read-only page", func() {
			Expect(pt.Map(0x0804_8000, 0x0050_0000, 4096, vm.PermRead)).
				To(Succeed())

			e, err := walker.Walk(pt.Space(), 0x0804_8123)

			Expect(err).NotTo(HaveOccurred())
			Expect(e.Valid).To(BeTrue())
			Expect(e.Writable).To(BeFalse())
			Expect(e.PageSize).To(Equal(uint64(4096)))
			Expect(e.VirtualBase).To(Equal(mem.Address(0x0804_8000)))
			Expect(e.PhysicalPage).To(Equal(mem.Address(0x0050_0000)))
			Expect(e.Translate(0x0804_8123).Addr).
				To(Equal(mem.Address(0x0050_0123)))
		})

		It("should fault when the leaf entry is not present", func() {
			Expect(pt.Map(0x0804_8000, 0x0050_0000, 4096, vm.PermAll)).
				To(Succeed())
			Expect(pt.Unmap(0x0804_8000)).To(Succeed())

			_, err := walker.Walk(pt.Space(), 0x0804_8000)

			Expect(errors.Is(err, mem.ErrPageFault)).To(BeTrue())

			var merr *mem.Error
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.Level).To(Equal(0))
		})

		It("should fault at the root for unmapped regions", func() {
			_, err := walker.Walk(pt.Space(), 0x4000_0000)

			var merr *mem.Error
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.Kind).To(Equal(mem.KindPageFault))
			Expect(merr.Level).To(Equal(1))
		})

		It("should translate 4M pages", func() {
			Expect(pt.Map(0x8000_0000, 0x0400_0000, 4<<20, vm.PermWrite)).
				To(Succeed())

			e, err := walker.Walk(pt.Space(), 0x803F_FFFF)

			Expect(err).NotTo(HaveOccurred())
			Expect(e.PageSize).To(Equal(uint64(4 << 20)))
			Expect(e.Level).To(Equal(1))
			Expect(e.Translate(0x803F_FFFF).Addr).
				To(Equal(mem.Address(0x043F_FFFF)))
		})

		It("should refuse addresses wider than the word", func() {
			_, err := walker.Walk(pt.Space(), 0x1_0000_0000)

			Expect(errors.Is(err, mem.ErrArchMismatch)).To(BeTrue())
		})

		It("should refuse roots wider than physical addresses", func() {
			space := arch.NewAddressSpace(arch.X86(), 0x1_0000_0000)

			_, err := walker.Walk(space, 0x1000)

			Expect(errors.Is(err, mem.ErrArchMismatch)).To(BeTrue())
		})
	})

	Context("x64 tables", func() {
		var (
			pt *vm.PageTable
			d  *arch.Descriptor
		)

		BeforeEach(func() {
			d = arch.X64()
			pt = newTables(d, memory)
		})

		It("should translate 4K pages with their permissions", func() {
			Expect(pt.Map(0x7FFF_0000_1000, 0x20_0000, 4096, vm.PermWrite)).
				To(Succeed())

			e, err := walker.Walk(pt.Space(), 0x7FFF_0000_1FFF)

			Expect(err).NotTo(HaveOccurred())
			Expect(e).To(Equal(vm.Entry{
				VirtualBase:  0x7FFF_0000_1000,
				PhysicalPage: 0x20_0000,
				PageSize:     4096,
				Level:        0,
				Readable:     true,
				Writable:     true,
				Executable:   false,
				Valid:        true,
			}))
			Expect(e.PageType()).
				To(Equal(mem.PageTypeWriteable | mem.PageTypeNoExec))
		})

		It("should translate 2M and 1G pages", func() {
			Expect(pt.Map(0x4000_0000, 0x8000_0000, 1<<30, vm.PermAll)).
				To(Succeed())
			Expect(pt.Map(0x20_0000, 0x60_0000, 2<<20, vm.PermAll)).
				To(Succeed())

			giant, err := walker.Walk(pt.Space(), 0x7FFF_FFFF)
			Expect(err).NotTo(HaveOccurred())
			Expect(giant.PageSize).To(Equal(uint64(1 << 30)))
			Expect(giant.Level).To(Equal(2))
			Expect(giant.Translate(0x7FFF_FFFF).Addr).
				To(Equal(mem.Address(0xBFFF_FFFF)))

			large, err := walker.Walk(pt.Space(), 0x20_1234)
			Expect(err).NotTo(HaveOccurred())
			Expect(large.PageSize).To(Equal(uint64(2 << 20)))
			Expect(large.Level).To(Equal(1))
			Expect(large.Executable).To(BeTrue())
		})

		It("should intersect permissions along the walk", func() {
			va := mem.Address(0x1000)
			Expect(pt.Map(va, 0x30_0000, 4096, vm.PermAll)).To(Succeed())

			updateEntry64(memory, rootEntryAddr(pt, d, va), func(e uint64) uint64 {
				return e&^(1<<1) | 1<<63
			})

			e, err := walker.Walk(pt.Space(), va)

			Expect(err).NotTo(HaveOccurred())
			Expect(e.Writable).To(BeFalse())
			Expect(e.Executable).To(BeFalse())
		})

		It("should ignore unknown bits", func() {
			va := mem.Address(0x5000)
			Expect(pt.Map(va, 0x30_0000, 4096, vm.PermAll)).To(Succeed())

			updateEntry64(memory, rootEntryAddr(pt, d, va), func(e uint64) uint64 {
				return e | 0xE00 | 0x7F<<52
			})

			e, err := walker.Walk(pt.Space(), va)

			Expect(err).NotTo(HaveOccurred())
			Expect(e.PhysicalPage).To(Equal(mem.Address(0x30_0000)))
		})

		It("should accept canonical high addresses", func() {
			va := mem.Address(0xFFFF_8000_0000_0000)
			Expect(pt.Map(va, 0x30_0000, 4096, vm.PermRead)).To(Succeed())

			e, err := walker.Walk(pt.Space(), va+8)

			Expect(err).NotTo(HaveOccurred())
			Expect(e.VirtualBase).To(Equal(va))
		})

		It("should reject non-canonical addresses", func() {
			_, err := walker.Walk(pt.Space(), 0x0000_8000_0000_0000)

			Expect(errors.Is(err, mem.ErrOutOfRange)).To(BeTrue())
		})

		It("should report tables that cannot be read", func() {
			memory.MarkBad(pt.Root(), 4096)

			_, err := walker.Walk(pt.Space(), 0x1000)

			Expect(mem.KindOf(err)).To(Equal(mem.KindIO))
		})
	})

	Context("x86 PAE tables", func() {
		It("should translate through the permission-less top level", func() {
			pt := newTables(arch.X86PAE(), memory)
			Expect(pt.Map(0xC000_0000, 0x0123_4000, 4096, vm.PermWrite)).
				To(Succeed())
			Expect(pt.Map(0x4000_0000, 0x0800_0000, 2<<20, vm.PermRead)).
				To(Succeed())

			e, err := walker.Walk(pt.Space(), 0xC000_0010)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Writable).To(BeTrue())
			Expect(e.Executable).To(BeFalse())
			Expect(e.Translate(0xC000_0010).Addr).
				To(Equal(mem.Address(0x0123_4010)))

			large, err := walker.Walk(pt.Space(), 0x401F_FFFF)
			Expect(err).NotTo(HaveOccurred())
			Expect(large.PageSize).To(Equal(uint64(2 << 20)))
			Expect(large.Writable).To(BeFalse())
		})
	})

	It("should translate identically without tables", func() {
		space := arch.NewAddressSpace(arch.Null(), 0)

		e, err := walker.Walk(space, 0x1234_5678)

		Expect(err).NotTo(HaveOccurred())
		Expect(e.Translate(0x1234_5678).Addr).To(Equal(mem.Address(0x1234_5678)))
		Expect(e.Writable).To(BeTrue())
	})

	It("should refuse address spaces without architecture", func() {
		_, err := walker.Walk(arch.AddressSpace{}, 0x1000)

		Expect(errors.Is(err, mem.ErrArchMismatch)).To(BeTrue())
	})
})
