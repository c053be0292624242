package cmd

import (
	"errors"

	"github.com/sarchlab/vmi/datarecording"
	"github.com/sarchlab/vmi/engine"
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sarchlab/vmi/mem/physmem"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// A session is an engine over an opened image.
type session struct {
	image  *physmem.Image
	engine *engine.Engine
	tracer *tracing.DBTracer
}

func openSession(c config) (*session, error) {
	if c.Image == "" {
		return nil, errors.New("no image given, use --image")
	}

	opts := []physmem.ImageOption{physmem.WithPageSize(c.PageSize)}
	if c.Writable {
		opts = append(opts, physmem.WithWritable())
	}

	m, err := c.memoryMap()
	if err != nil {
		return nil, err
	}

	if m != nil {
		opts = append(opts, physmem.WithMemoryMap(m))
	}

	image, err := physmem.OpenImage(c.Image, opts...)
	if err != nil {
		return nil, err
	}

	var backend mem.Backend = image
	if c.ReadsPerSec > 0 {
		limiter := rate.NewLimiter(rate.Limit(c.ReadsPerSec), c.Parallelism)
		backend = physmem.NewRateLimited(image, limiter)
	}

	e, err := engine.MakeBuilder().
		WithBackend(backend).
		WithTLBGeometry(c.TLBSets, c.TLBWays).
		WithPageCacheGeometry(c.PageCacheSets, c.PageCacheWays).
		WithParallelism(c.Parallelism).
		Build()
	if err != nil {
		image.Close()
		return nil, err
	}

	s := &session{image: image, engine: e}

	if c.Trace != "" {
		recorder := datarecording.New(c.Trace)
		s.tracer = tracing.NewDBTracer(tracing.WallClock{}, recorder,
			"tasks", nil)

		for _, h := range e.Hookables() {
			tracing.CollectTrace(h, s.tracer)
		}
	}

	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logTracer := tracing.NewLogTracer(tracing.WallClock{},
			logrus.WithField("engine", e.ID()), nil).
			WithLevel(logrus.TraceLevel)

		for _, h := range e.Hookables() {
			tracing.CollectTrace(h, logTracer)
		}
	}

	return s, nil
}

// space returns the address space selected by the configuration.
func (s *session) space(c config) (arch.AddressSpace, error) {
	d, err := arch.ByName(c.Arch)
	if err != nil {
		return arch.AddressSpace{}, err
	}

	var root mem.Address
	if c.Root != "" || d.NumLevels() > 0 {
		root, err = c.root()
		if err != nil {
			return arch.AddressSpace{}, err
		}
	}

	space := arch.NewAddressSpace(d, root)

	return space, space.Check()
}

func (s *session) Close() error {
	if s.tracer != nil {
		s.tracer.Terminate()
	}

	return s.image.Close()
}
