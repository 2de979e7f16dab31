package introspect_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/qmgr/internal/activeset"
	"github.com/igodwin/qmgr/internal/entity"
	"github.com/igodwin/qmgr/internal/introspect"
)

func TestIntrospect(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "introspect suite")
}

var _ = Describe("Server", func() {
	var (
		store  *entity.Store
		active *activeset.Controller
	)

	BeforeEach(func() {
		store = entity.NewStore()
		active = activeset.New(10)
	})

	It("reports active-set occupancy and message count on /status", func() {
		active.Admit()
		active.Admit()
		msg := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		store.AddMessage(msg)

		s := introspect.New("127.0.0.1:0", active, store)
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/status")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var out struct {
			ActiveCount  int `json:"active_count"`
			ActiveLimit  int `json:"active_limit"`
			MessageCount int `json:"message_count"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		Expect(out.ActiveCount).To(Equal(2))
		Expect(out.ActiveLimit).To(Equal(10))
		Expect(out.MessageCount).To(Equal(1))
	})

	It("reports per-transport stack depth and dead destinations on /transports", func() {
		tr := store.GetOrCreateTransport("smtp")
		dest, _ := store.GetOrCreateDestination(tr, "dead.example.com")
		dest.Dead = true
		tr.Stack.Push(&entity.StackFrame{})

		s := introspect.New("127.0.0.1:0", active, store)
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/transports")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var out []struct {
			Name             string   `json:"name"`
			Dead             bool     `json:"dead"`
			StackDepth       int      `json:"stack_depth"`
			DeadDestinations []string `json:"dead_destinations"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		Expect(out).To(HaveLen(1))
		Expect(out[0].Name).To(Equal("smtp"))
		Expect(out[0].DeadDestinations).To(ContainElement("dead.example.com"))
	})
})
