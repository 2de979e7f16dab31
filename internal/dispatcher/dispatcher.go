// Package dispatcher turns a scheduler batch into a delivery-agent request
// and feeds the resulting per-recipient outcomes back to the scheduler, the
// concurrency controller, and the retry reporter (§4.7).
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/igodwin/qmgr/internal/collab"
	"github.com/igodwin/qmgr/internal/concurrency"
	"github.com/igodwin/qmgr/internal/entity"
	"github.com/igodwin/qmgr/internal/logging"
	"github.com/igodwin/qmgr/internal/scheduler"
)

// Outcomes is the set of collaborators a finished batch reports back to.
type Outcomes interface {
	HandleDelivered(ctx context.Context, rec *entity.Recipient)
	HandleSoftFail(ctx context.Context, rec *entity.Recipient, reason string)
	HandleHardFail(ctx context.Context, rec *entity.Recipient, reason string)
}

// Dispatcher hands scheduler batches to delivery agents (§4.7). It keeps no
// connections between batches: each Dispatch dials its own agent and closes
// it when the batch is done, and several Dispatch calls may run at once, one
// per committed batch.
type Dispatcher struct {
	store   *entity.Store
	agents  collab.DeliveryAgentFactory
	sched   *scheduler.Scheduler
	conc    *concurrency.Controller
	reports Outcomes
	log     *logging.Logger

	ioTimeout          time.Duration
	transportRetryTime time.Duration
}

func New(store *entity.Store, agents collab.DeliveryAgentFactory, sched *scheduler.Scheduler, conc *concurrency.Controller, reports Outcomes, log *logging.Logger, ioTimeout, transportRetryTime time.Duration) *Dispatcher {
	return &Dispatcher{
		store:              store,
		agents:             agents,
		sched:              sched,
		conc:               conc,
		reports:            reports,
		log:                log,
		ioTimeout:          ioTimeout,
		transportRetryTime: transportRetryTime,
	}
}

// Dispatch sends batch to a delivery agent and processes its outcome stream
// to completion before returning. The caller runs one Dispatch per
// concurrency-window slot it has opened for batch.Destination; concurrent
// batches across destinations are expected to run via separate goroutines
// tracked in the engine's own errgroup, not within a single Dispatch call.
func (d *Dispatcher) Dispatch(ctx context.Context, batch scheduler.Batch) {
	// Concurrent batches across destinations interleave their log lines;
	// log ties every line for this one batch back together under one tag.
	log := d.log.WithTag(uuid.NewString())

	defer func() {
		d.sched.Complete(batch)
		d.store.ReleaseDestinationIfIdle(batch.Destination)
	}()

	ctx, cancel := context.WithTimeout(ctx, d.ioTimeout)
	defer cancel()

	agent, err := d.agents.Dial(ctx, batch.Job.Transport.Name, batch.Destination.Nexthop)
	if err != nil {
		log.Warnf("could not dial delivery agent for %s/%s: %v", batch.Job.Transport.Name, batch.Destination.Nexthop, err)
		d.conc.OnTransportFailure(batch.Job.Transport, d.transportRetryTime)
		d.deferAll(ctx, batch, "agent unavailable")
		return
	}
	defer agent.Close()

	req := collab.DeliveryRequest{
		Transport:  batch.Job.Transport.Name,
		Nexthop:    batch.Destination.Nexthop,
		Sender:     batch.Job.Message.Sender,
		Recipients: make([]collab.DeliveryRecipient, 0, len(batch.Recipients)),
	}
	byOffset := make(map[int64]*entity.Recipient, len(batch.Recipients))
	for _, rec := range batch.Recipients {
		req.Recipients = append(req.Recipients, collab.DeliveryRecipient{
			QueueID:          rec.Message.ID,
			Offset:           rec.Offset,
			OriginalAddress:  rec.OriginalAddress,
			RewrittenAddress: rec.Address,
		})
		byOffset[rec.Offset] = rec
	}

	outcomes, status, err := agent.Deliver(ctx, req)
	if err != nil {
		log.Warnf("delivery request failed for %s/%s: %v", req.Transport, req.Nexthop, err)
		d.conc.OnTransportFailure(batch.Job.Transport, d.transportRetryTime)
		d.deferAll(ctx, batch, "transient delivery failure")
		return
	}

	anySuccess := false
	for outcome := range outcomes {
		rec, ok := byOffset[outcome.Offset]
		if !ok {
			continue
		}
		d.sched.RecordDeliveryCompletion(batch.Job)

		switch outcome.Status {
		case collab.StatusDelivered:
			anySuccess = true
			d.reports.HandleDelivered(ctx, rec)
		case collab.StatusSoftFailure:
			d.reports.HandleSoftFail(ctx, rec, outcome.Reason)
		case collab.StatusHardFailure:
			d.reports.HandleHardFail(ctx, rec, outcome.Reason)
		}
	}

	switch <-status {
	case collab.TransportOK:
		if anySuccess {
			d.conc.OnSuccess(batch.Destination)
		}
	case collab.TransportUnreachable:
		d.conc.OnHardFailure(batch.Destination)
	case collab.TransportAgentUnavailable:
		d.conc.OnTransportFailure(batch.Job.Transport, d.transportRetryTime)
	}
}

// deferAll treats every recipient in batch as an individual soft failure
// (§4.6 "destination unreachable... pending recipients... deferred
// depending on cause") when the agent connection itself could not be
// established or the request could not be written.
func (d *Dispatcher) deferAll(ctx context.Context, batch scheduler.Batch, reason string) {
	d.conc.OnHardFailure(batch.Destination)
	for _, rec := range batch.Recipients {
		d.reports.HandleSoftFail(ctx, rec, reason)
	}
}
