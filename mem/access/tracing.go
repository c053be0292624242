package access

import (
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
)

func (p *Pipeline) startBatch(numRequests int) string {
	if !tracing.IsTracing(p) {
		return ""
	}

	id := p.taskID.Generate()
	tracing.StartTask(id, "", p, "batch", "execute", numRequests)

	return id
}

func (p *Pipeline) endBatch(taskID string) {
	if taskID == "" {
		return
	}

	tracing.EndTask(taskID, p)
}

func (p *Pipeline) startDispatch(
	batchID string,
	what string,
	addr mem.Address,
) string {
	if batchID == "" {
		return ""
	}

	id := p.taskID.Generate()
	tracing.StartTask(id, batchID, p, "dispatch", what, addr)

	return id
}

func (p *Pipeline) endDispatch(taskID string) {
	if taskID == "" {
		return
	}

	tracing.EndTask(taskID, p)
}
