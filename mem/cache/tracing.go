package cache

import (
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
)

func (c *PageCache) startTask(addr mem.Address, what string) string {
	if !tracing.IsTracing(c) {
		return ""
	}

	id := c.taskID.Generate()
	tracing.StartTask(id, "", c, "page", what, addr)

	return id
}

func (c *PageCache) step(taskID, what string) {
	if taskID == "" {
		return
	}

	tracing.AddTaskStep(taskID, c, what)
}

func (c *PageCache) endTask(taskID string) {
	if taskID == "" {
		return
	}

	tracing.EndTask(taskID, c)
}
