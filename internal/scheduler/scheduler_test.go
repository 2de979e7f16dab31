package scheduler_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/qmgr/internal/entity"
	"github.com/igodwin/qmgr/internal/scheduler"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "scheduler suite")
}

// addRecipients gives job n pending recipients bound to dest, wiring up the
// peer/pending-list bookkeeping the loader would normally do.
func addRecipients(job *entity.Job, dest *entity.Destination, n int) {
	peer, ok := job.Peers[dest.Nexthop]
	if !ok {
		peer = &entity.Peer{Destination: dest}
		job.Peers[dest.Nexthop] = peer
		job.PeerOrder = append(job.PeerOrder, dest.Nexthop)
	}
	for i := 0; i < n; i++ {
		rec := &entity.Recipient{Destination: dest, Job: job, Status: entity.RecipientPending}
		dest.Pending = append(dest.Pending, rec)
		peer.Recipients = append(peer.Recipients, rec)
	}
	job.RemainingOnTransport += n
}

var _ = Describe("Scheduler selection", func() {
	var (
		store *entity.Store
		tr    *entity.Transport
		dest  *entity.Destination
		sched *scheduler.Scheduler
		tun   scheduler.Tunables
	)

	BeforeEach(func() {
		store = entity.NewStore()
		tr = store.GetOrCreateTransport("smtp")
		dest, _ = store.GetOrCreateDestination(tr, "example.com")
		dest.Window = 10
		tun = scheduler.Tunables{RecipientLimit: 50}
		sched = scheduler.New(func(string) scheduler.Tunables { return tun })
	})

	It("selects nothing from an empty stack", func() {
		_, ok := sched.Select(tr)
		Expect(ok).To(BeFalse())
	})

	It("batches up to the transport's per-delivery recipient limit", func() {
		msg := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		job, _ := store.GetOrCreateJob(msg, tr)
		addRecipients(job, dest, 100)
		tun.RecipientLimit = 10
		sched.AddJob(job)

		batch, ok := sched.Select(tr)
		Expect(ok).To(BeTrue())
		Expect(batch.Recipients).To(HaveLen(10))
	})

	It("skips a destination at its concurrency window and marks it a blocker", func() {
		dest.Window = 0
		msg := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		job, _ := store.GetOrCreateJob(msg, tr)
		addRecipients(job, dest, 5)
		sched.AddJob(job)

		_, ok := sched.Select(tr)
		Expect(ok).To(BeFalse())
		Expect(dest.Blocker).To(BeTrue())
	})

	It("advances the transport cursor round-robin across a job's peers after each dispatch", func() {
		destB, _ := store.GetOrCreateDestination(tr, "b.example.com")
		destB.Window = 10
		msg := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		job, _ := store.GetOrCreateJob(msg, tr)
		addRecipients(job, dest, 1)
		addRecipients(job, destB, 1)
		sched.AddJob(job)

		first, ok := sched.Select(tr)
		Expect(ok).To(BeTrue())
		sched.Commit(first)
		sched.Complete(first)

		second, ok := sched.Select(tr)
		Expect(ok).To(BeTrue())
		Expect(second.Destination).NotTo(BeIdenticalTo(first.Destination))
	})
})

var _ = Describe("Scheduler preemption (§4.5, scenario 2)", func() {
	var (
		store *entity.Store
		tr    *entity.Transport
		dest  *entity.Destination
		sched *scheduler.Scheduler
		tun   scheduler.Tunables
	)

	BeforeEach(func() {
		store = entity.NewStore()
		tr = store.GetOrCreateTransport("smtp")
		dest, _ = store.GetOrCreateDestination(tr, "example.com")
		dest.Window = 1000
		tun = scheduler.Tunables{
			RecipientLimit:       1000,
			DeliverySlotCost:     5,
			MinimumDeliverySlots: 100,
			DeliverySlotDiscount: 0,
			DeliverySlotLoan:     0,
		}
		sched = scheduler.New(func(string) scheduler.Tunables { return tun })
	})

	It("lets a small new job preempt a large one once enough slots have accrued", func() {
		m1 := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		j1, _ := store.GetOrCreateJob(m1, tr)
		addRecipients(j1, dest, 1000)
		sched.AddJob(j1)

		// Still well above MinimumDeliverySlots*DeliverySlotCost (500) worth
		// of recipients left, so preemption isn't suppressed for j1.
		j1.RemainingOnTransport = 600
		for i := 0; i < 250*tun.DeliverySlotCost; i++ {
			sched.RecordDeliveryCompletion(j1)
		}
		Expect(j1.SlotsAvailable).To(Equal(250))

		m2 := &entity.Message{ID: "m2", Jobs: make(map[string]*entity.Job)}
		j2, _ := store.GetOrCreateJob(m2, tr)
		addRecipients(j2, dest, 50)
		sched.AddJob(j2)

		Expect(tr.Stack.Top().Jobs).To(ConsistOf(j2))
		Expect(tr.Stack.Top().PreemptedJob).To(BeIdenticalTo(j1))

		// j2 runs to completion...
		j2.RemainingOnTransport = 0
		sched.ReleaseJob(j2)

		// ...and j1 resumes with its slot credit reset to zero (invariant 7).
		Expect(tr.Stack.Top().Jobs).To(ConsistOf(j1))
		Expect(j1.SlotsAvailable).To(Equal(0))
	})

	It("suppresses preemption when delivery_slot_cost is zero for the transport", func() {
		tun.DeliverySlotCost = 0

		m1 := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		j1, _ := store.GetOrCreateJob(m1, tr)
		addRecipients(j1, dest, 1000)
		j1.SlotsAvailable = 10000
		sched.AddJob(j1)

		m2 := &entity.Message{ID: "m2", Jobs: make(map[string]*entity.Job)}
		j2, _ := store.GetOrCreateJob(m2, tr)
		addRecipients(j2, dest, 1)
		sched.AddJob(j2)

		Expect(tr.Stack.Top().Jobs).To(ConsistOf(j1, j2))
		Expect(tr.Stack.Top().PreemptedJob).To(BeNil())
	})

	It("suppresses preemption when the current job could not accrue minimum_delivery_slots before completing", func() {
		m1 := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
		j1, _ := store.GetOrCreateJob(m1, tr)
		addRecipients(j1, dest, 10) // far fewer than MinimumDeliverySlots*DeliverySlotCost
		sched.AddJob(j1)

		m2 := &entity.Message{ID: "m2", Jobs: make(map[string]*entity.Job)}
		j2, _ := store.GetOrCreateJob(m2, tr)
		addRecipients(j2, dest, 1)
		sched.AddJob(j2)

		Expect(tr.Stack.Top().Jobs).To(ConsistOf(j1, j2))
	})
})
