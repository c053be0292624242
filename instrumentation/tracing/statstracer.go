package tracing

import (
	"sort"
	"sync"
	"time"
)

// TaskSummary aggregates the finished tasks of one kind and what.
type TaskSummary struct {
	Kind      string
	What      string
	Count     uint64
	TotalTime time.Duration
}

// AverageTime returns the mean duration of the tasks.
func (s TaskSummary) AverageTime() time.Duration {
	if s.Count == 0 {
		return 0
	}

	return s.TotalTime / time.Duration(s.Count)
}

type summaryKey struct {
	kind, what string
}

// StatsTracer counts how often each step is reached and how long tasks take.
type StatsTracer struct {
	timeTeller        TimeTeller
	filter            TaskFilter
	lock              sync.Mutex
	inflightTasks     map[string]Task
	stepNames         []string
	stepCount         map[string]uint64
	taskWithStepCount map[string]uint64
	summaries         map[summaryKey]*TaskSummary
}

// NewStatsTracer creates a new StatsTracer.
func NewStatsTracer(timeTeller TimeTeller, filter TaskFilter) *StatsTracer {
	if filter == nil {
		filter = AllTasks
	}

	t := &StatsTracer{
		timeTeller:        timeTeller,
		filter:            filter,
		inflightTasks:     make(map[string]Task),
		stepCount:         make(map[string]uint64),
		taskWithStepCount: make(map[string]uint64),
		summaries:         make(map[summaryKey]*TaskSummary),
	}

	return t
}

// GetStepNames returns all the step names collected.
func (t *StatsTracer) GetStepNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.stepNames...)
}

// GetStepCount returns the number of steps that is recorded with a certain step
// name.
func (t *StatsTracer) GetStepCount(stepName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.stepCount[stepName]
}

// GetTaskCount returns the number of tasks that is recorded to have a certain
// step with a given name.
func (t *StatsTracer) GetTaskCount(stepName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.taskWithStepCount[stepName]
}

// Summaries returns the finished tasks grouped by kind and what, sorted.
func (t *StatsTracer) Summaries() []TaskSummary {
	t.lock.Lock()
	defer t.lock.Unlock()

	list := make([]TaskSummary, 0, len(t.summaries))
	for _, s := range t.summaries {
		list = append(list, *s)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Kind != list[j].Kind {
			return list[i].Kind < list[j].Kind
		}

		return list[i].What < list[j].What
	})

	return list
}

// NumInflightTasks returns the number of tasks started but not ended.
func (t *StatsTracer) NumInflightTasks() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.inflightTasks)
}

// StartTask records the task start time
func (t *StatsTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask counts the step.
func (t *StatsTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	step := task.Steps[0]
	t.countStep(step)

	if !originalTask.HasStep(step.What) {
		t.taskWithStepCount[step.What]++
	}

	originalTask.Steps = append(originalTask.Steps, step)
	t.inflightTasks[task.ID] = originalTask
}

func (t *StatsTracer) countStep(step TaskStep) {
	_, ok := t.stepCount[step.What]
	if !ok {
		t.stepNames = append(t.stepNames, step.What)
	}

	t.stepCount[step.What]++
}

// EndTask records the end of the task
func (t *StatsTracer) EndTask(task Task) {
	endTime := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	delete(t.inflightTasks, task.ID)

	key := summaryKey{kind: originalTask.Kind, what: originalTask.What}

	s, ok := t.summaries[key]
	if !ok {
		s = &TaskSummary{Kind: key.kind, What: key.what}
		t.summaries[key] = s
	}

	s.Count++
	s.TotalTime += endTime.Sub(originalTask.StartTime)
}
