package physmem

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmi/mem"
	"golang.org/x/time/rate"
)

var _ = Describe("RateLimited", func() {
	var m *Memory

	BeforeEach(func() {
		m = NewMemory(0x10000)
		Expect(m.WritePhysical(0x100, []byte{1, 2, 3})).To(Succeed())
	})

	It("should forward calls", func() {
		r := NewRateLimited(m, rate.NewLimiter(rate.Inf, 1))

		buf := make([]byte, 3)
		Expect(r.ReadPhysical(0x100, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte{1, 2, 3}))
		Expect(r.WritePhysical(0x200, buf)).To(Succeed())
		Expect(r.Metadata()).To(Equal(m.Metadata()))

		errs := r.ReadPhysicalMany([]mem.PhysicalRead{{Addr: 0x200, Buf: buf}})
		Expect(errs).To(BeNil())
		Expect(m.NumBatchReads()).To(Equal(uint64(1)))
	})

	It("should fail when the limiter can never grant a token", func() {
		r := NewRateLimited(m, rate.NewLimiter(1, 0))

		Expect(r.ReadPhysical(0x100, make([]byte, 1))).NotTo(Succeed())

		errs := r.ReadPhysicalMany([]mem.PhysicalRead{
			{Addr: 0, Buf: make([]byte, 1)},
			{Addr: 1, Buf: make([]byte, 1)},
		})
		Expect(errs).To(HaveLen(2))
		Expect(errs[1]).To(HaveOccurred())
		Expect(m.NumReads()).To(BeZero())
	})
})
