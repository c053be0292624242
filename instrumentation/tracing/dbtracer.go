package tracing

import (
	"sync"
	"time"

	"github.com/sarchlab/vmi/datarecording"
	"github.com/tebeka/atexit"
)

type taskTableEntry struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	Steps     string
	StartTime float64
	EndTime   float64
}

// DBTracer is a tracer that can store tasks into a database. Times are
// recorded in seconds since the tracer was created.
type DBTracer struct {
	mu         sync.Mutex
	timeTeller TimeTeller
	filter     TaskFilter
	backend    datarecording.DataRecorder
	tableName  string
	origin     time.Time

	tracingTasks map[string]Task
}

// NewDBTracer creates a new DBTracer that writes into the given table.
func NewDBTracer(
	timeTeller TimeTeller,
	dataRecorder datarecording.DataRecorder,
	tableName string,
	filter TaskFilter,
) *DBTracer {
	if filter == nil {
		filter = AllTasks
	}

	dataRecorder.CreateTable(tableName, taskTableEntry{})

	t := &DBTracer{
		timeTeller:   timeTeller,
		filter:       filter,
		backend:      dataRecorder,
		tableName:    tableName,
		origin:       timeTeller.CurrentTime(),
		tracingTasks: make(map[string]Task),
	}

	atexit.Register(func() {
		t.Terminate()
	})

	return t
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracingTasks[task.ID] = task
}

// StepTask marks a step of a task.
func (t *DBTracer) StepTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	originalTask.Steps = append(originalTask.Steps, task.Steps...)
	t.tracingTasks[task.ID] = originalTask
}

// EndTask marks the end of a task.
func (t *DBTracer) EndTask(task Task) {
	endTime := t.timeTeller.CurrentTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	originalTask.EndTime = endTime
	t.writeTaskToDB(originalTask)

	delete(t.tracingTasks, task.ID)
}

func (t *DBTracer) writeTaskToDB(task Task) {
	steps := ""
	for i, s := range task.Steps {
		if i > 0 {
			steps += ","
		}

		steps += s.What
	}

	t.backend.InsertData(t.tableName, taskTableEntry{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Location:  task.Location,
		Steps:     steps,
		StartTime: task.StartTime.Sub(t.origin).Seconds(),
		EndTime:   task.EndTime.Sub(t.origin).Seconds(),
	})
}

// Terminate drops the unfinished tasks and flushes the recorder.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracingTasks = make(map[string]Task)
	t.backend.Flush()
}
