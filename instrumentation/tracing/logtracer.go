package tracing

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// LogTracer writes one log entry per finished task.
type LogTracer struct {
	timeTeller    TimeTeller
	filter        TaskFilter
	logger        logrus.FieldLogger
	level         logrus.Level
	lock          sync.Mutex
	inflightTasks map[string]Task
}

// NewLogTracer creates a LogTracer that logs at the debug level.
func NewLogTracer(
	timeTeller TimeTeller,
	logger logrus.FieldLogger,
	filter TaskFilter,
) *LogTracer {
	if filter == nil {
		filter = AllTasks
	}

	return &LogTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		logger:        logger,
		level:         logrus.DebugLevel,
		inflightTasks: make(map[string]Task),
	}
}

// WithLevel changes the level tasks are logged at.
func (t *LogTracer) WithLevel(level logrus.Level) *LogTracer {
	t.level = level
	return t
}

// StartTask records the task.
func (t *LogTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask remembers the step so that it is logged with the task.
func (t *LogTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	originalTask.Steps = append(originalTask.Steps, task.Steps...)
	t.inflightTasks[task.ID] = originalTask
}

// EndTask logs the task.
func (t *LogTracer) EndTask(task Task) {
	endTime := t.timeTeller.CurrentTime()

	t.lock.Lock()
	originalTask, ok := t.inflightTasks[task.ID]
	delete(t.inflightTasks, task.ID)
	t.lock.Unlock()

	if !ok {
		return
	}

	originalTask.EndTime = endTime

	steps := make([]string, 0, len(originalTask.Steps))
	for _, s := range originalTask.Steps {
		steps = append(steps, s.What)
	}

	fields := logrus.Fields{
		"task":     originalTask.ID,
		"kind":     originalTask.Kind,
		"location": originalTask.Location,
		"duration": originalTask.Duration(),
		"steps":    steps,
	}
	if originalTask.ParentID != "" {
		fields["parent"] = originalTask.ParentID
	}

	t.logger.WithFields(fields).Log(t.level, originalTask.What)
}
