package dispatcher_test

import (
	"context"
	"io"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/qmgr/internal/collab"
	"github.com/igodwin/qmgr/internal/concurrency"
	"github.com/igodwin/qmgr/internal/dispatcher"
	"github.com/igodwin/qmgr/internal/entity"
	"github.com/igodwin/qmgr/internal/logging"
	"github.com/igodwin/qmgr/internal/scheduler"
)

func TestDispatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dispatcher suite")
}

type outcomeCall struct {
	kind   string
	reason string
}

type fakeOutcomes struct {
	calls []outcomeCall
}

func (f *fakeOutcomes) HandleDelivered(ctx context.Context, rec *entity.Recipient) {
	f.calls = append(f.calls, outcomeCall{"delivered", ""})
}
func (f *fakeOutcomes) HandleSoftFail(ctx context.Context, rec *entity.Recipient, reason string) {
	f.calls = append(f.calls, outcomeCall{"soft", reason})
}
func (f *fakeOutcomes) HandleHardFail(ctx context.Context, rec *entity.Recipient, reason string) {
	f.calls = append(f.calls, outcomeCall{"hard", reason})
}

// scriptedAgent replays a fixed outcome stream regardless of the request,
// standing in for a real delivery-agent connection (§6 "Delivery-agent
// protocol").
type scriptedAgent struct {
	outcomes []collab.RecipientOutcome
	status   collab.TransportStatus
}

func (a *scriptedAgent) Deliver(ctx context.Context, req collab.DeliveryRequest) (<-chan collab.RecipientOutcome, <-chan collab.TransportStatus, error) {
	out := make(chan collab.RecipientOutcome, len(a.outcomes))
	status := make(chan collab.TransportStatus, 1)
	for _, o := range a.outcomes {
		out <- o
	}
	close(out)
	status <- a.status
	close(status)
	return out, status, nil
}
func (a *scriptedAgent) Close() error { return nil }

type scriptedFactory struct {
	agent *scriptedAgent
	err   error
}

func (f *scriptedFactory) Dial(ctx context.Context, transport, nexthop string) (collab.DeliveryAgent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

func newBatch(store *entity.Store) (scheduler.Batch, *entity.Destination, *entity.Transport) {
	tr := store.GetOrCreateTransport("smtp")
	dest, _ := store.GetOrCreateDestination(tr, "example.com")
	dest.Window = 5
	msg := &entity.Message{ID: "m1", Jobs: make(map[string]*entity.Job)}
	job, _ := store.GetOrCreateJob(msg, tr)
	rec := &entity.Recipient{Address: "a@example.com", Offset: 42, Destination: dest, Message: msg, Job: job}
	return scheduler.Batch{Job: job, Destination: dest, Recipients: []*entity.Recipient{rec}}, dest, tr
}

func concController() *concurrency.Controller {
	return concurrency.New(func(string) concurrency.Tunables {
		return concurrency.Tunables{Initial: 1, Limit: 5}
	}, time.Minute, 10)
}

var _ = Describe("Dispatcher", func() {
	var (
		store   *entity.Store
		sched   *scheduler.Scheduler
		conc    *concurrency.Controller
		reports *fakeOutcomes
		log     *logging.Logger
	)

	BeforeEach(func() {
		store = entity.NewStore()
		sched = scheduler.New(func(string) scheduler.Tunables { return scheduler.Tunables{RecipientLimit: 10} })
		conc = concController()
		reports = &fakeOutcomes{}
		log = logging.New(logging.ErrorLevel, io.Discard)
	})

	It("reports a delivered recipient and grows the destination window on success (scenario 1)", func() {
		batch, dest, _ := newBatch(store)
		conc.InitializeWindow(dest)
		dest.InFlight = 1 // as if Scheduler.Commit had already run

		agent := &scriptedAgent{
			outcomes: []collab.RecipientOutcome{{Offset: 42, Status: collab.StatusDelivered}},
			status:   collab.TransportOK,
		}
		d := dispatcher.New(store, &scriptedFactory{agent: agent}, sched, conc, reports, log, time.Second, time.Second)

		d.Dispatch(context.Background(), batch)

		Expect(reports.calls).To(Equal([]outcomeCall{{"delivered", ""}}))
		Expect(dest.Window).To(Equal(2))
		Expect(dest.InFlight).To(Equal(0))
	})

	It("marks the destination dead and defers pending recipients on connection failure (scenario 3)", func() {
		batch, dest, _ := newBatch(store)
		conc.InitializeWindow(dest)
		dest.InFlight = 1

		d := dispatcher.New(store, &scriptedFactory{err: context.DeadlineExceeded}, sched, conc, reports, log, time.Second, time.Minute)
		d.Dispatch(context.Background(), batch)

		Expect(dest.Dead).To(BeTrue())
		Expect(reports.calls).To(Equal([]outcomeCall{{"soft", "agent unavailable"}}))
	})

	It("reports a hard failure without changing the destination's window", func() {
		batch, dest, _ := newBatch(store)
		conc.InitializeWindow(dest)
		dest.InFlight = 1
		before := dest.Window

		agent := &scriptedAgent{
			outcomes: []collab.RecipientOutcome{{Offset: 42, Status: collab.StatusHardFailure, Reason: "no such user"}},
			status:   collab.TransportOK,
		}
		d := dispatcher.New(store, &scriptedFactory{agent: agent}, sched, conc, reports, log, time.Second, time.Second)

		d.Dispatch(context.Background(), batch)

		Expect(reports.calls).To(Equal([]outcomeCall{{"hard", "no such user"}}))
		Expect(dest.Window).To(Equal(before)) // no success on this batch, slow start does not grow
	})
})
