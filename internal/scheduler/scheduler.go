// Package scheduler implements the preemptive per-transport job stack
// described in spec §4.5: which message's recipients are next to be
// delivered, and when a newer/smaller message may preempt an older/larger
// one.
package scheduler

import (
	"sort"

	"github.com/igodwin/qmgr/internal/entity"
)

// Tunables are the per-transport preemption and batching parameters (§4.5).
type Tunables struct {
	RecipientLimit       int // per-delivery recipient limit
	DeliverySlotCost     int
	MinimumDeliverySlots int
	DeliverySlotDiscount int
	DeliverySlotLoan     int
}

// TunablesFunc resolves the effective tunables for a transport name,
// honoring the <transport>_<name>/default_<name> override pattern (§6).
type TunablesFunc func(transport string) Tunables

// Scheduler selects recipient batches from a transport's job stack and
// manages preemption (§4.5).
type Scheduler struct {
	tunables TunablesFunc
}

func New(tunables TunablesFunc) *Scheduler {
	return &Scheduler{tunables: tunables}
}

// AddJob pushes a newly created job onto its transport's stack (§4.5 "Push
// job on entry"): it joins the top frame unless some job already on the top
// frame would be preempted by it, in which case a new frame is pushed with
// the new job as its sole, shadowing occupant.
func (s *Scheduler) AddJob(job *entity.Job) {
	stack := &job.Transport.Stack
	tun := s.tunables(job.Transport.Name)

	top := stack.Top()
	if top != nil {
		for _, candidate := range top.Jobs {
			if s.preempts(job, candidate, tun) {
				stack.Push(&entity.StackFrame{
					Jobs:         []*entity.Job{job},
					PreemptedJob: candidate,
				})
				return
			}
		}
		top.Jobs = append(top.Jobs, job)
		return
	}

	stack.Push(&entity.StackFrame{Jobs: []*entity.Job{job}})
}

// preempts reports whether candidate J may preempt current job C (§4.5
// "Preemption predicate").
func (s *Scheduler) preempts(j, c *entity.Job, tun Tunables) bool {
	if tun.DeliverySlotCost <= 0 {
		return false
	}
	if c.RemainingOnTransport < tun.MinimumDeliverySlots*tun.DeliverySlotCost {
		return false
	}
	threshold := c.SlotsAvailable*(100-tun.DeliverySlotDiscount)/100 - tun.DeliverySlotLoan
	return j.RemainingOnTransport <= threshold
}

// RecordDeliveryCompletion accounts for one completed delivery made on
// behalf of completingJob (§4.5 "Delivery-slot accounting"). Credit goes to
// whichever job is the transport's "current" one in the stack sense: if
// completingJob is itself shadowing an older job (it preempted something),
// the shadowed job accrues the slot instead — "a job in a lower stack frame
// accrues slots while the upper frames drain". Otherwise completingJob is
// running unshadowed and accrues its own completions directly, which is
// what lets a freshly-admitted job build up enough slots_available to be
// preemptable in turn later.
func (s *Scheduler) RecordDeliveryCompletion(completingJob *entity.Job) {
	t := completingJob.Transport
	tun := s.tunables(t.Name)
	if tun.DeliverySlotCost <= 0 {
		return
	}

	target := completingJob
	if top := t.Stack.Top(); top != nil && top.PreemptedJob != nil {
		target = top.PreemptedJob
	}

	target.SlotsUsed++
	if target.SlotsUsed%tun.DeliverySlotCost == 0 {
		target.SlotsAvailable++
	}
}

// Batch is a set of recipients selected for dispatch to one destination on
// behalf of one job.
type Batch struct {
	Job         *entity.Job
	Destination *entity.Destination
	Recipients  []*entity.Recipient
}

// Select considers only the top frame of transport t's job stack (lower
// frames are shadowed while it exists) and walks its jobs left-to-right in
// arrival order, trying each job's peers
// round-robin from the transport's cursor (§4.5 "Selection"). It returns the
// first non-empty batch found, or ok=false if nothing is eligible right now.
func (s *Scheduler) Select(t *entity.Transport) (Batch, bool) {
	top := t.Stack.Top()
	if top == nil {
		return Batch{}, false
	}

	jobs := make([]*entity.Job, len(top.Jobs))
	copy(jobs, top.Jobs)
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ArrivalSeq < jobs[j].ArrivalSeq })

	tun := s.tunables(t.Name)

	for _, job := range jobs {
		if job.InSelection || len(job.PeerOrder) == 0 {
			continue
		}

		n := len(job.PeerOrder)
		for i := 0; i < n; i++ {
			idx := (t.Cursor + i) % n
			nexthop := job.PeerOrder[idx]
			peer, ok := job.Peers[nexthop]
			if !ok || len(peer.Recipients) == 0 {
				continue
			}
			dest := peer.Destination
			if dest.Dead {
				continue
			}
			if dest.InFlight >= dest.Window {
				dest.Blocker = true
				continue
			}
			dest.Blocker = false

			limit := tun.RecipientLimit
			if limit <= 0 || limit > len(peer.Recipients) {
				limit = len(peer.Recipients)
			}
			batchRecipients := make([]*entity.Recipient, limit)
			copy(batchRecipients, peer.Recipients[:limit])

			t.Cursor = (idx + 1) % n
			return Batch{Job: job, Destination: dest, Recipients: batchRecipients}, true
		}
	}

	return Batch{}, false
}

// Commit removes batch's recipients from their pending lists and marks them
// in-flight, and marks the job as currently in-selection so it is skipped by
// further Select calls until the batch completes (§4.5, §3 recipient
// lifecycle: pending -> in-flight -> done).
func (s *Scheduler) Commit(batch Batch) {
	batch.Job.InSelection = true

	dest := batch.Destination
	inBatch := make(map[*entity.Recipient]bool, len(batch.Recipients))
	for _, r := range batch.Recipients {
		inBatch[r] = true
		r.Status = entity.RecipientInFlight
	}
	dest.InFlight += len(batch.Recipients)

	dest.Pending = removeAll(dest.Pending, inBatch)
	peer := batch.Job.Peers[dest.Nexthop]
	peer.Recipients = removeAll(peer.Recipients, inBatch)
}

func removeAll(list []*entity.Recipient, remove map[*entity.Recipient]bool) []*entity.Recipient {
	out := list[:0]
	for _, r := range list {
		if !remove[r] {
			out = append(out, r)
		}
	}
	return out
}

// Complete marks a batch as no longer in-selection once the dispatcher has
// processed every recipient's status (§4.7, §5 "ordering guarantees").
func (s *Scheduler) Complete(batch Batch) {
	batch.Job.InSelection = false
	batch.Destination.InFlight -= len(batch.Recipients)
	if batch.Destination.InFlight < 0 {
		batch.Destination.InFlight = 0
	}
}

// ReleaseJob removes a job from its transport's stack once it has no
// remaining recipients, popping any frame this leaves empty and resetting
// the resumed job's slots_available to zero (invariant 7, §4.5).
func (s *Scheduler) ReleaseJob(job *entity.Job) {
	job.Transport.Stack.RemoveJob(job)
}
