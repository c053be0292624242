package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmi/engine"
	"github.com/sarchlab/vmi/idgen"
	"github.com/sarchlab/vmi/mem/physmem"
)

type sampleStruct struct {
	field1 int
	field2 string
	field3 *sampleStruct
	field4 []sampleStruct
}

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
	)

	BeforeEach(func() {
		m = NewMonitor()
	})

	It("should walk int fields", func() {
		s := &sampleStruct{
			field1: 1,
		}

		elem, err := m.walkFields(s, "field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk string fields", func() {
		s := &sampleStruct{
			field2: "abc",
		}

		elem, err := m.walkFields(s, "field2")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.String))
		Expect(elem.String()).To(Equal("abc"))
	})

	It("should walk struct", func() {
		s := &sampleStruct{
			field3: &sampleStruct{},
		}

		elem, err := m.walkFields(s, "field3")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Struct))
		Expect(elem.Type().Name()).To(Equal("sampleStruct"))
	})

	It("should walk slice recursively", func() {
		s := &sampleStruct{
			field4: []sampleStruct{{
				field4: []sampleStruct{
					{field1: 1},
				},
			}, {}},
		}

		elem, err := m.walkFields(s, "field4.0.field4.0.field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should reject paths that do not exist", func() {
		s := &sampleStruct{field4: []sampleStruct{{}}}

		_, err := m.walkFields(s, "field5")
		Expect(err).To(HaveOccurred())

		_, err = m.walkFields(s, "field4.3")
		Expect(err).To(HaveOccurred())

		_, err = m.walkFields(s, "field1.x")
		Expect(err).To(HaveOccurred())
	})

	It("should ignore reserved port numbers", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))

		m.WithPortNumber(8080)
		Expect(m.portNumber).To(Equal(8080))
	})

	Context("when serving engines", func() {
		var (
			e      *engine.Engine
			server *httptest.Server
		)

		BeforeEach(func() {
			var err error

			e, err = engine.MakeBuilder().
				WithBackend(physmem.NewMemory(1 << 20)).
				WithIDGenerator(idgen.NewPrefixed("engine-",
					idgen.NewSequential())).
				Build()
			Expect(err).NotTo(HaveOccurred())

			m.RegisterEngine(e)

			server = httptest.NewServer(m.Handler())
			DeferCleanup(server.Close)
		})

		get := func(path string) *http.Response {
			rsp, err := http.Get(server.URL + path)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(rsp.Body.Close)

			return rsp
		}

		post := func(path string) *http.Response {
			rsp, err := http.Post(server.URL+path, "", nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(rsp.Body.Close)

			return rsp
		}

		It("should list engines", func() {
			rsp := get("/api/engines")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))

			var engines []engineRsp
			Expect(json.NewDecoder(rsp.Body).Decode(&engines)).To(Succeed())
			Expect(engines).To(Equal([]engineRsp{
				{ID: "engine-1", BackendSize: 1 << 20},
			}))
		})

		It("should serve stats", func() {
			rsp := get("/api/engine/engine-1/stats")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))

			rsp = get("/api/engine/engine-1/field/PageCache")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))

			rsp = get("/api/engine/engine-1/field/PageCache.Nothing")
			Expect(rsp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should answer 404 for unknown engines", func() {
			rsp := get("/api/engine/engine-9/stats")
			Expect(rsp.StatusCode).To(Equal(http.StatusNotFound))

			rsp = post("/api/engine/engine-9/flush")
			Expect(rsp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should summarize tasks", func() {
			Expect(e.ReadPhysical(context.Background(), 0x1000,
				make([]byte, 8))).To(Succeed())

			rsp := get("/api/engine/engine-1/tasks")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))

			var tasks tasksRsp
			Expect(json.NewDecoder(rsp.Body).Decode(&tasks)).To(Succeed())
			Expect(tasks.Inflight).To(BeZero())
			Expect(tasks.Summaries).NotTo(BeEmpty())
		})

		It("should flush caches", func() {
			Expect(e.ReadPhysical(context.Background(), 0x1000,
				make([]byte, 8))).To(Succeed())
			Expect(e.Stats().PageCache.Entries).To(Equal(1))

			rsp := post("/api/engine/engine-1/flush")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))
			Expect(e.Stats().PageCache.Entries).To(BeZero())
		})

		It("should drop single pages", func() {
			Expect(e.ReadPhysical(context.Background(), 0x1000,
				make([]byte, 8))).To(Succeed())

			rsp := post("/api/engine/engine-1/invalidate/0x1010")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))
			Expect(e.Stats().PageCache.Entries).To(BeZero())

			rsp = post("/api/engine/engine-1/invalidate/nowhere")
			Expect(rsp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should report resources", func() {
			rsp := get("/api/resource")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))

			var res resourceRsp
			Expect(json.NewDecoder(rsp.Body).Decode(&res)).To(Succeed())
			Expect(res.MemorySize).To(BeNumerically(">", 0))
		})

		It("should serve the page", func() {
			rsp := get("/")
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
