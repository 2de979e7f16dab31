package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/igodwin/qmgr/internal/logging"
)

// TableResolver is an in-process Resolver backed by static maps, used by
// tests and by the standalone/dry-run entrypoint. It applies none of the
// loader's filtering rules (§4.3); it returns the Routes entry for a
// recipient, or else a DefaultTransport route with the recipient's domain as
// nexthop.
type TableResolver struct {
	Routes map[string]ResolveResult // recipient address -> routing result

	// DefaultTransport, if set, routes any recipient with no explicit Routes
	// entry there by domain-as-nexthop, instead of failing resolution.
	DefaultTransport string
}

func NewTableResolver() *TableResolver {
	return &TableResolver{Routes: make(map[string]ResolveResult)}
}

func (r *TableResolver) Resolve(ctx context.Context, sender, recipient string) (ResolveResult, error) {
	if res, ok := r.Routes[recipient]; ok {
		return res, nil
	}
	if r.DefaultTransport == "" {
		return ResolveResult{}, fmt.Errorf("no route for recipient: %s", recipient)
	}
	nexthop := recipient
	if at := strings.LastIndex(recipient, "@"); at >= 0 {
		nexthop = recipient[at+1:]
	}
	return ResolveResult{
		Transport:        r.DefaultTransport,
		Nexthop:          nexthop,
		RewrittenAddress: recipient,
		Flags:            ResolveOK,
	}, nil
}

// LogBounceClient writes status reports through the engine logger instead of
// to the external bounce/defer daemons. This is the adaptation of the
// teacher's StdoutNotifier: a debug-friendly, dependency-free implementation
// of an otherwise-external collaborator.
type LogBounceClient struct {
	Logger *logging.Logger
}

func NewLogBounceClient(logger *logging.Logger) *LogBounceClient {
	return &LogBounceClient{Logger: logger}
}

func (c *LogBounceClient) ReportSuccess(ctx context.Context, queueID, recipient string) error {
	c.Logger.Infof("dsn success: queue=%s recipient=%s", queueID, recipient)
	return nil
}

func (c *LogBounceClient) ReportDefer(ctx context.Context, queueID, recipient, reason string, retryAt int64) error {
	c.Logger.Infof("deferred: queue=%s recipient=%s reason=%q retry_at=%d", queueID, recipient, reason, retryAt)
	return nil
}

func (c *LogBounceClient) ReportBounce(ctx context.Context, queueID, recipient, reason string) error {
	c.Logger.Warnf("bounced: queue=%s recipient=%s reason=%q", queueID, recipient, reason)
	return nil
}

// LogDeliveryAgent reports every recipient in a batch delivered, logging
// instead of actually dialing a transport. It is the delivery-side
// counterpart of LogBounceClient, used the same way.
type LogDeliveryAgent struct {
	Logger *logging.Logger
}

func (a *LogDeliveryAgent) Deliver(ctx context.Context, req DeliveryRequest) (<-chan RecipientOutcome, <-chan TransportStatus, error) {
	outcomes := make(chan RecipientOutcome, len(req.Recipients))
	status := make(chan TransportStatus, 1)

	for _, rec := range req.Recipients {
		a.Logger.Infof("delivered (dry-run): transport=%s nexthop=%s recipient=%s", req.Transport, req.Nexthop, rec.RewrittenAddress)
		outcomes <- RecipientOutcome{Offset: rec.Offset, Status: StatusDelivered}
	}
	close(outcomes)
	status <- TransportOK
	close(status)

	return outcomes, status, nil
}

func (a *LogDeliveryAgent) Close() error { return nil }

// LogDeliveryAgentFactory always dials a LogDeliveryAgent. The real SMTP,
// local, and pipe delivery agents are separate daemons and out of scope
// (§1); this is the dry-run stand-in the standalone entrypoint uses in
// their place.
type LogDeliveryAgentFactory struct {
	Logger *logging.Logger
}

func NewLogDeliveryAgentFactory(logger *logging.Logger) *LogDeliveryAgentFactory {
	return &LogDeliveryAgentFactory{Logger: logger}
}

func (f *LogDeliveryAgentFactory) Dial(ctx context.Context, transport, nexthop string) (DeliveryAgent, error) {
	return &LogDeliveryAgent{Logger: f.Logger}, nil
}
