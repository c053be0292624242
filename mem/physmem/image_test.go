package physmem

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmi/mem"
)

var _ = Describe("Image", func() {
	var path string

	BeforeEach(func() {
		data := make([]byte, 0x3000)
		for i := range data {
			data[i] = byte(i >> 8)
		}

		path = filepath.Join(GinkgoT().TempDir(), "dump.raw")
		Expect(os.WriteFile(path, data, 0o600)).To(Succeed())
	})

	It("should map physical addresses to file offsets by default", func() {
		img, err := OpenImage(path)
		Expect(err).NotTo(HaveOccurred())
		defer img.Close()

		buf := make([]byte, 2)
		Expect(img.ReadPhysical(0x1FFF, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte{0x1F, 0x20}))
		Expect(img.Metadata()).To(Equal(mem.Metadata{
			Size:     0x3000,
			ReadOnly: true,
			PageSize: mem.DefaultPageSize,
		}))
	})

	It("should follow a memory map", func() {
		m := mem.NewMemoryMap()
		Expect(m.Push(0x10000, 0x1000, 0x0)).To(Succeed())
		Expect(m.Push(0x11000, 0x1000, 0x2000)).To(Succeed())

		img, err := OpenImage(path, WithMemoryMap(m))
		Expect(err).NotTo(HaveOccurred())
		defer img.Close()

		buf := make([]byte, 2)
		Expect(img.ReadPhysical(0x10FFF, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte{0x0F, 0x20}))

		Expect(img.ReadPhysical(0x0, buf)).NotTo(Succeed())
		Expect(img.Metadata().Size).To(Equal(uint64(0x12000)))
	})

	It("should refuse a map that does not fit the file", func() {
		m := mem.NewMemoryMap()
		Expect(m.Push(0, 0x4000, 0)).To(Succeed())

		_, err := OpenImage(path, WithMemoryMap(m))
		Expect(err).To(HaveOccurred())
	})

	It("should refuse writes unless writable", func() {
		img, err := OpenImage(path)
		Expect(err).NotTo(HaveOccurred())
		defer img.Close()

		Expect(img.WritePhysical(0, []byte{1})).NotTo(Succeed())
	})

	It("should write through to the file", func() {
		img, err := OpenImage(path, WithWritable())
		Expect(err).NotTo(HaveOccurred())

		Expect(img.WritePhysical(0x10, []byte{0xAA, 0xBB})).To(Succeed())
		Expect(img.Close()).To(Succeed())

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(data[0x10:0x12]).To(Equal([]byte{0xAA, 0xBB}))
	})

	It("should report batch errors per read", func() {
		img, err := OpenImage(path)
		Expect(err).NotTo(HaveOccurred())
		defer img.Close()

		errs := img.ReadPhysicalMany([]mem.PhysicalRead{
			{Addr: 0, Buf: make([]byte, 4)},
			{Addr: 0x5000, Buf: make([]byte, 4)},
		})

		Expect(errs[0]).NotTo(HaveOccurred())
		Expect(errs[1]).To(HaveOccurred())
	})
})
