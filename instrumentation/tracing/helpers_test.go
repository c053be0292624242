package tracing

import (
	"time"

	"github.com/sarchlab/vmi/instrumentation/hooking"
)

type sampleDomain struct {
	*hooking.HookableBase
}

func newSampleDomain() *sampleDomain {
	return &sampleDomain{HookableBase: hooking.NewHookableBase()}
}

func (d *sampleDomain) Name() string {
	return "sample domain"
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) CurrentTime() time.Time {
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}
