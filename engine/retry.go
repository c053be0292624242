package engine

import (
	"context"

	"github.com/cenkalti/backoff"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/sirupsen/logrus"
)

// Retryable reports whether an access that failed with err may succeed when
// tried again. Page faults and backend failures are transient on a running
// target. Architecture mismatches and out of range addresses are not.
func Retryable(err error) bool {
	switch mem.KindOf(err) {
	case mem.KindPageFault, mem.KindIO:
		return true
	default:
		return false
	}
}

// RetryRead reads buf at va, retrying transient failures according to b.
// Before every new attempt, the translations of the address space and the
// cached pages are dropped, so the retry sees the current page tables.
//
// The engine itself never retries. This helper is for callers that inspect a
// target that keeps running.
func RetryRead(
	ctx context.Context,
	e *Engine,
	space arch.AddressSpace,
	va mem.Address,
	buf []byte,
	b backoff.BackOff,
) error {
	attempt := 0

	op := func() error {
		if attempt > 0 {
			e.Invalidate(space)
			e.pageCache.FlushAll()
		}

		attempt++

		err := e.ReadVirtual(ctx, space, va, buf)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"addr":     va.String(),
			"attempts": attempt,
		}).Debug("read failed after retries")
	}

	return err
}
