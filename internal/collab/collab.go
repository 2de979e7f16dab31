// Package collab defines the interfaces to the engine's external
// collaborators (§6): the address resolver, the delivery agents, and the
// bounce/defer status-report daemons. Their implementations — the resolver
// process, the SMTP/local/pipe agents, the bounce daemon — are explicitly
// out of scope (§1); this package only carries the wire contract and a set
// of in-process fakes used by tests and by the standalone/dry-run mode.
package collab

import "context"

// ResolveFlags carries the error/disposition signals the resolver attaches
// to a recipient (§6).
type ResolveFlags int

const (
	ResolveOK ResolveFlags = iota
	ResolveDeferredTransport
	ResolveRelocated
	ResolveTransientFailure
)

// ResolveResult is the resolver's response for one recipient (§6).
type ResolveResult struct {
	Transport        string
	Nexthop          string
	RewrittenAddress string
	Flags            ResolveFlags
	RelocatedTo       string // populated when Flags == ResolveRelocated
}

// Resolver maps a recipient address to a (transport, nexthop) tuple (§4.3,
// §6).
type Resolver interface {
	Resolve(ctx context.Context, sender, recipient string) (ResolveResult, error)
}

// DeliveryRecipient is one recipient within a delivery-agent batch request
// (§6).
type DeliveryRecipient struct {
	QueueID         string
	Offset          int64
	OriginalAddress string
	RewrittenAddress string
}

// DeliveryRequest is a single batch handed to a delivery agent (§4.7, §6).
type DeliveryRequest struct {
	Transport  string
	Nexthop    string
	Sender     string
	Recipients []DeliveryRecipient
}

// RecipientOutcome is one line of the delivery agent's per-recipient status
// stream (§6): (offset, status, reason).
type RecipientOutcome struct {
	Offset  int64
	Status  DeliveryStatus
	Reason  string
}

// DeliveryStatus is the outcome of attempting to deliver to one recipient.
type DeliveryStatus int

const (
	StatusDelivered DeliveryStatus = iota
	StatusSoftFailure
	StatusHardFailure
)

// TransportStatus is the final, transport-level status following a batch's
// per-recipient stream (§6, §7).
type TransportStatus int

const (
	TransportOK TransportStatus = iota
	TransportUnreachable // destination unreachable (§7 item 5)
	TransportAgentUnavailable // agent could not be spawned (§7 item 6)
)

// DeliveryAgent is a connection (or connection slot) to one delivery agent
// instance for a transport (§4.7).
type DeliveryAgent interface {
	// Deliver writes the batch request and streams back per-recipient
	// outcomes in the same order as req.Recipients, followed by a final
	// transport-level status. Cancellation is not supported once dispatched
	// (§4.7): the channel is drained to completion or ctx is exceeded, which
	// is itself treated as TransportUnreachable.
	Deliver(ctx context.Context, req DeliveryRequest) (<-chan RecipientOutcome, <-chan TransportStatus, error)
	Close() error
}

// DeliveryAgentFactory allocates or reuses a DeliveryAgent for a transport
// destination (§4.7).
type DeliveryAgentFactory interface {
	Dial(ctx context.Context, transport, nexthop string) (DeliveryAgent, error)
}

// BounceClient appends per-recipient status reports for the bounce/defer
// daemons (§4.8, §6). The core holds only filenames/records; the on-disk
// format is external.
type BounceClient interface {
	ReportSuccess(ctx context.Context, queueID, recipient string) error
	ReportDefer(ctx context.Context, queueID, recipient, reason string, retryAt int64) error
	ReportBounce(ctx context.Context, queueID, recipient, reason string) error
}
