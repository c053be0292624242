// Package monitoring turns a set of engines into an HTTP server, so that
// cache statistics can be watched and caches flushed while a target is
// inspected.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/sarchlab/vmi/engine"
	"github.com/sarchlab/vmi/instrumentation/tracing"
	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/monitoring/web"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"
)

type monitoredEngine struct {
	engine *engine.Engine
	tasks  *tracing.StatsTracer
}

// Monitor serves the statistics and controls of the registered engines.
type Monitor struct {
	portNumber      int
	profileDuration time.Duration
	logger          logrus.FieldLogger

	lock    sync.RWMutex
	engines []monitoredEngine
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		profileDuration: time.Second,
		logger:          logrus.StandardLogger(),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		m.logger.Warnf("Port number %d is not allowed for the monitoring "+
			"server. Using a random port instead.", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(logger logrus.FieldLogger) *Monitor {
	m.logger = logger
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileDuration = d
	return m
}

// RegisterEngine registers an engine to be monitored. A tracer is attached
// to every part of the engine to summarize its tasks.
func (m *Monitor) RegisterEngine(e *engine.Engine) {
	tasks := tracing.NewStatsTracer(tracing.WallClock{}, nil)
	for _, h := range e.Hookables() {
		tracing.CollectTrace(h, tasks)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.engines = append(m.engines, monitoredEngine{engine: e, tasks: tasks})
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/engines", m.listEngines).Methods(http.MethodGet)
	r.HandleFunc("/api/engine/{id}/stats", m.engineStats).
		Methods(http.MethodGet)
	r.HandleFunc("/api/engine/{id}/field/{path}", m.engineField).
		Methods(http.MethodGet)
	r.HandleFunc("/api/engine/{id}/tasks", m.engineTasks).
		Methods(http.MethodGet)
	r.HandleFunc("/api/engine/{id}/flush", m.flushEngine).
		Methods(http.MethodPost)
	r.HandleFunc("/api/engine/{id}/invalidate/{addr}", m.invalidatePage).
		Methods(http.MethodPost)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer serves the monitor in the background and returns the URL it
// listens on.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	m.logger.WithField("url", url).Info("monitoring engines")

	go func() {
		err := http.Serve(listener, m.Handler())
		if err != nil {
			m.logger.WithError(err).Error("monitoring server stopped")
		}
	}()

	return url, nil
}

type engineRsp struct {
	ID          string `json:"id"`
	BackendSize uint64 `json:"backend_size"`
	ReadOnly    bool   `json:"read_only"`
}

func (m *Monitor) listEngines(w http.ResponseWriter, _ *http.Request) {
	m.lock.RLock()
	rsp := make([]engineRsp, 0, len(m.engines))
	for _, me := range m.engines {
		meta := me.engine.Backend().Metadata()
		rsp = append(rsp, engineRsp{
			ID:          me.engine.ID(),
			BackendSize: meta.Size,
			ReadOnly:    meta.ReadOnly,
		})
	}
	m.lock.RUnlock()

	m.writeJSON(w, rsp)
}

func (m *Monitor) engineStats(w http.ResponseWriter, r *http.Request) {
	me, ok := m.findEngineOr404(w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	stats := me.engine.Stats()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(2)

	err := serializer.Serialize(w)
	m.logOnErr(err)
}

func (m *Monitor) engineField(w http.ResponseWriter, r *http.Request) {
	me, ok := m.findEngineOr404(w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	path := mux.Vars(r)["path"]
	stats := me.engine.Stats()

	if _, err := m.walkFields(&stats, path); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(1)

	err := serializer.SetEntryPoint(strings.Split(path, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	m.logOnErr(err)
}

type taskSummaryRsp struct {
	Kind        string  `json:"kind"`
	What        string  `json:"what"`
	Count       uint64  `json:"count"`
	AverageTime float64 `json:"average_time"`
}

type tasksRsp struct {
	Inflight  int               `json:"inflight"`
	Summaries []taskSummaryRsp  `json:"summaries"`
	Steps     map[string]uint64 `json:"steps"`
}

func (m *Monitor) engineTasks(w http.ResponseWriter, r *http.Request) {
	me, ok := m.findEngineOr404(w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	rsp := tasksRsp{
		Inflight:  me.tasks.NumInflightTasks(),
		Summaries: []taskSummaryRsp{},
		Steps:     make(map[string]uint64),
	}

	for _, s := range me.tasks.Summaries() {
		rsp.Summaries = append(rsp.Summaries, taskSummaryRsp{
			Kind:        s.Kind,
			What:        s.What,
			Count:       s.Count,
			AverageTime: s.AverageTime().Seconds(),
		})
	}

	for _, name := range me.tasks.GetStepNames() {
		rsp.Steps[name] = me.tasks.GetStepCount(name)
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) flushEngine(w http.ResponseWriter, r *http.Request) {
	me, ok := m.findEngineOr404(w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	me.engine.FlushAll()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) invalidatePage(w http.ResponseWriter, r *http.Request) {
	me, ok := m.findEngineOr404(w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	addr, err := strconv.ParseUint(mux.Vars(r)["addr"], 0, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	me.engine.InvalidatePhysical(mem.Address(addr))
	w.WriteHeader(http.StatusOK)
}

type fieldFormatError struct {
	field string
}

func (e fieldFormatError) Error() string {
	return fmt.Sprintf("cannot follow field %q", e.field)
}

// walkFields follows a dot-separated path of field names and slice indices
// from v.
func (m *Monitor) walkFields(
	v any,
	fields string,
) (reflect.Value, error) {
	elem := reflect.ValueOf(v)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			elem = elem.Elem()
		case reflect.Struct:
			next := elem.FieldByName(fieldNames[0])
			if !next.IsValid() {
				return elem, fieldFormatError{field: fieldNames[0]}
			}

			elem = next
			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil || index < 0 || index >= elem.Len() {
				return elem, fieldFormatError{field: fieldNames[0]}
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fieldFormatError{field: fieldNames[0]}
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) findEngineOr404(
	w http.ResponseWriter,
	id string,
) (monitoredEngine, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, me := range m.engines {
		if me.engine.ID() == id {
			return me, true
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Engine not found"))
	m.logOnErr(err)

	return monitoredEngine{}, false
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()

	process, err := process.NewProcess(int32(pid))
	if m.failOnErr(w, err) {
		return
	}

	cpuPercent, err := process.CPUPercent()
	if m.failOnErr(w, err) {
		return
	}

	memorySize, err := process.MemoryInfo()
	if m.failOnErr(w, err) {
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if m.failOnErr(w, err) {
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if m.failOnErr(w, err) {
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if m.failOnErr(w, err) {
		return
	}

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(data)
	m.logOnErr(err)
}

func (m *Monitor) failOnErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}

	m.logger.WithError(err).Error("monitoring request failed")
	w.WriteHeader(http.StatusInternalServerError)

	return true
}

func (m *Monitor) logOnErr(err error) {
	if err != nil {
		m.logger.WithError(err).Warn("cannot write monitoring response")
	}
}
