package concurrency_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/qmgr/internal/concurrency"
	"github.com/igodwin/qmgr/internal/entity"
)

func TestConcurrency(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "concurrency suite")
}

func tunables(transport string) concurrency.Tunables {
	return concurrency.Tunables{Initial: 2, Limit: 5}
}

var _ = Describe("Controller", func() {
	var (
		store *entity.Store
		tr    *entity.Transport
		dest  *entity.Destination
		ctrl  *concurrency.Controller
	)

	BeforeEach(func() {
		store = entity.NewStore()
		tr = store.GetOrCreateTransport("smtp")
		dest, _ = store.GetOrCreateDestination(tr, "example.com")
		ctrl = concurrency.New(tunables, time.Minute, 10)
		ctrl.InitializeWindow(dest)
	})

	It("starts a fresh destination's window at initial_destination_concurrency", func() {
		Expect(dest.Window).To(Equal(2))
	})

	It("grows the window by one per success, capped at the transport limit (slow start)", func() {
		for i := 0; i < 10; i++ {
			ctrl.OnSuccess(dest)
		}
		Expect(dest.Window).To(Equal(5))
	})

	It("marks a destination dead and resets its window on hard failure", func() {
		ctrl.OnSuccess(dest)
		ctrl.OnSuccess(dest)
		Expect(dest.Window).To(Equal(4))

		ctrl.OnHardFailure(dest)

		Expect(dest.Dead).To(BeTrue())
		Expect(dest.Window).To(Equal(2))
		Expect(ctrl.IsEligible(dest)).To(BeFalse())
	})

	It("allows exactly one probe once retry-after has elapsed (invariant 4)", func() {
		ctrl.OnHardFailure(dest)
		dest.RetryAfter = time.Now().Add(-time.Second)
		Expect(ctrl.IsEligible(dest)).To(BeTrue())
		Expect(dest.Dead).To(BeFalse())
	})

	It("marks the whole transport dead when the agent cannot be spawned (§7 item 6)", func() {
		ctrl.OnTransportFailure(tr, 30*time.Second)
		Expect(tr.Dead).To(BeTrue())
		Expect(ctrl.IsEligible(dest)).To(BeFalse())
	})

	It("evicts the oldest dead destination once the bounded cache is full", func() {
		small := concurrency.New(tunables, time.Minute, 2)
		small.InitializeWindow(dest)

		d2, _ := store.GetOrCreateDestination(tr, "b.example.com")
		d3, _ := store.GetOrCreateDestination(tr, "c.example.com")
		small.InitializeWindow(d2)
		small.InitializeWindow(d3)

		small.OnHardFailure(dest)
		small.OnHardFailure(d2)
		small.OnHardFailure(d3) // evicts dest, the oldest

		Expect(dest.Dead).To(BeFalse())
		Expect(d2.Dead).To(BeTrue())
		Expect(d3.Dead).To(BeTrue())
	})

	It("FLUSH_DEAD clears every dead flag and resets windows immediately (supplemented feature 5)", func() {
		ctrl.OnSuccess(dest)
		ctrl.OnHardFailure(dest)
		Expect(dest.Dead).To(BeTrue())

		ctrl.FlushDead(store.Transports())

		Expect(dest.Dead).To(BeFalse())
		Expect(tr.Dead).To(BeFalse())
		Expect(dest.Window).To(Equal(2))
	})
})
