package physmem

import (
	"fmt"
	"os"

	"github.com/sarchlab/vmi/mem"
)

// ImageOption configures OpenImage.
type ImageOption func(*imageConfig)

type imageConfig struct {
	writable  bool
	memoryMap *mem.MemoryMap
	pageSize  uint64
}

// WithWritable opens the image for writing.
func WithWritable() ImageOption {
	return func(c *imageConfig) {
		c.writable = true
	}
}

// WithMemoryMap places the physical memory regions at the given file
// offsets. Without a map, physical address n is file offset n.
func WithMemoryMap(m *mem.MemoryMap) ImageOption {
	return func(c *imageConfig) {
		c.memoryMap = m
	}
}

// WithPageSize sets the page size reported in the metadata.
func WithPageSize(pageSize uint64) ImageOption {
	return func(c *imageConfig) {
		c.pageSize = pageSize
	}
}

// An Image is a physical memory backend reading a raw memory dump.
type Image struct {
	file      *os.File
	config    imageConfig
	size      uint64
	memoryMap *mem.MemoryMap
}

// OpenImage opens a raw memory image.
func OpenImage(path string, opts ...ImageOption) (*Image, error) {
	c := imageConfig{pageSize: mem.DefaultPageSize}
	for _, opt := range opts {
		opt(&c)
	}

	if !mem.IsPowerOfTwo(c.pageSize) {
		return nil, fmt.Errorf("page size 0x%x is not a power of two", c.pageSize)
	}

	flag := os.O_RDONLY
	if c.writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	img := &Image{
		file:      f,
		config:    c,
		memoryMap: c.memoryMap,
	}

	if img.memoryMap == nil {
		img.memoryMap = mem.NewMemoryMap()
		if info.Size() > 0 {
			err = img.memoryMap.Push(0, uint64(info.Size()), 0)
			if err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	if err := checkMapFitsFile(img.memoryMap, uint64(info.Size())); err != nil {
		f.Close()
		return nil, err
	}

	img.size = uint64(img.memoryMap.Max())

	return img, nil
}

func checkMapFitsFile(m *mem.MemoryMap, fileSize uint64) error {
	for _, r := range m.Regions() {
		if r.Remote+r.Size > fileSize {
			return fmt.Errorf("region [%s, %s) needs file offset 0x%x, "+
				"the file has 0x%x bytes", r.Base, r.End(), r.Remote+r.Size,
				fileSize)
		}
	}

	return nil
}

// Close closes the image file.
func (img *Image) Close() error {
	return img.file.Close()
}

// Metadata describes the image.
func (img *Image) Metadata() mem.Metadata {
	return mem.Metadata{
		Size:     img.size,
		ReadOnly: !img.config.writable,
		PageSize: img.config.pageSize,
	}
}

// MemoryMap returns the regions of physical memory stored in the image.
func (img *Image) MemoryMap() *mem.MemoryMap {
	return img.memoryMap
}

// ReadPhysical reads buf from the image. Reading unmapped memory fails.
func (img *Image) ReadPhysical(addr mem.Address, buf []byte) error {
	chunks, err := img.memoryMap.Map(addr, uint64(len(buf)))
	if err != nil {
		return err
	}

	for _, c := range chunks {
		_, err := img.file.ReadAt(buf[c.Offset:c.Offset+c.Size], int64(c.Remote))
		if err != nil {
			return fmt.Errorf("reading %s: %w", c.Addr, err)
		}
	}

	return nil
}

// ReadPhysicalMany services several reads.
func (img *Image) ReadPhysicalMany(reads []mem.PhysicalRead) []error {
	var errs []error

	for i, r := range reads {
		err := img.ReadPhysical(r.Addr, r.Buf)
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

// WritePhysical writes data into the image. The image must be opened with
// WithWritable.
func (img *Image) WritePhysical(addr mem.Address, data []byte) error {
	if !img.config.writable {
		return fmt.Errorf("image %s is read-only", img.file.Name())
	}

	chunks, err := img.memoryMap.Map(addr, uint64(len(data)))
	if err != nil {
		return err
	}

	for _, c := range chunks {
		_, err := img.file.WriteAt(data[c.Offset:c.Offset+c.Size], int64(c.Remote))
		if err != nil {
			return fmt.Errorf("writing %s: %w", c.Addr, err)
		}
	}

	return nil
}

var _ mem.BatchBackend = (*Image)(nil)
