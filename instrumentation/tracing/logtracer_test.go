package tracing

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var _ = Describe("LogTracer", func() {
	var (
		clock  *manualClock
		domain *sampleDomain
		hook   *test.Hook
		tracer *LogTracer
	)

	BeforeEach(func() {
		var logger *logrus.Logger

		logger, hook = test.NewNullLogger()
		logger.SetLevel(logrus.TraceLevel)

		clock = &manualClock{now: time.Unix(0, 0)}
		domain = newSampleDomain()
		tracer = NewLogTracer(clock, logger, nil)
		CollectTrace(domain, tracer)
	})

	It("should log a finished task with its steps", func() {
		StartTask("7", "", domain, "page", "read", nil)
		AddTaskStep("7", domain, "miss")
		AddTaskStep("7", domain, "fill")
		clock.advance(time.Millisecond)
		EndTask("7", domain)

		Expect(hook.Entries).To(HaveLen(1))

		entry := hook.LastEntry()
		Expect(entry.Level).To(Equal(logrus.DebugLevel))
		Expect(entry.Message).To(Equal("read"))
		Expect(entry.Data["task"]).To(Equal("7"))
		Expect(entry.Data["kind"]).To(Equal("page"))
		Expect(entry.Data["steps"]).To(Equal([]string{"miss", "fill"}))
		Expect(entry.Data["duration"]).To(Equal(time.Millisecond))
	})

	It("should log at the configured level", func() {
		tracer.WithLevel(logrus.InfoLevel)

		StartTask("1", "", domain, "page", "read", nil)
		EndTask("1", domain)

		Expect(hook.LastEntry().Level).To(Equal(logrus.InfoLevel))
	})

	It("should not log tasks it did not see start", func() {
		EndTask("9", domain)

		Expect(hook.Entries).To(BeEmpty())
	})
})
