// Package engine assembles every component into the single-threaded
// cooperative event loop described in §5/§9: it owns the queue scanners,
// the loader, the active-set controller, the scheduler, the concurrency
// controller, the dispatcher, the retry reporter, and the trigger listener,
// and multiplexes the deferred-scan timer, trigger requests, and the
// main-loop drain/admit callback.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/igodwin/qmgr/internal/activeset"
	"github.com/igodwin/qmgr/internal/collab"
	"github.com/igodwin/qmgr/internal/concurrency"
	"github.com/igodwin/qmgr/internal/config"
	"github.com/igodwin/qmgr/internal/dispatcher"
	"github.com/igodwin/qmgr/internal/entity"
	"github.com/igodwin/qmgr/internal/loader"
	"github.com/igodwin/qmgr/internal/logging"
	"github.com/igodwin/qmgr/internal/retry"
	"github.com/igodwin/qmgr/internal/scanner"
	"github.com/igodwin/qmgr/internal/scheduler"
	"github.com/igodwin/qmgr/internal/trigger"
)

// Engine is the "engine context" (§9): the globals of the original design
// collected into one struct passed by reference to every collaborator.
type Engine struct {
	cfg *config.Config
	log *logging.Logger

	store *entity.Store

	incoming *scanner.Scanner
	deferred *scanner.Scanner

	active *activeset.Controller
	load   *loader.Loader
	sched  *scheduler.Scheduler
	conc   *concurrency.Controller
	disp   *dispatcher.Dispatcher
	report *retry.Reporter

	triggers *trigger.Listener
	changes  *config.ChangeDetector

	// inflight tracks every Dispatch goroutine spawned this Run, so shutdown
	// can join them instead of returning out from under still-running
	// deliveries (§5 "Shared resources").
	inflight *errgroup.Group
}

// Collaborators groups the external dependencies the engine does not itself
// implement (§6): resolver, delivery-agent dialer, and the bounce/defer
// daemon client.
type Collaborators struct {
	Resolver      collab.Resolver
	DeliveryAgent collab.DeliveryAgentFactory
	Bounce        collab.BounceClient
}

// New wires every internal component against cfg and returns an Engine
// ready to Run. It does not open the trigger socket (the caller opens it and
// binds it with AttachTriggers) or recover left-overs; left-over recovery
// happens in Run so construction stays side-effect free for tests.
func New(cfg *config.Config, log *logging.Logger, col Collaborators) *Engine {
	store := entity.NewStore()

	schedTunables := func(transport string) scheduler.Tunables {
		t := cfg.Tunables(transport)
		return scheduler.Tunables{
			RecipientLimit:       t.RecipientLimit,
			DeliverySlotCost:     t.DeliverySlotCost,
			MinimumDeliverySlots: t.MinimumDeliverySlots,
			DeliverySlotDiscount: t.DeliverySlotDiscount,
			DeliverySlotLoan:     t.DeliverySlotLoan,
		}
	}
	sched := scheduler.New(schedTunables)

	concTunables := func(transport string) concurrency.Tunables {
		t := cfg.Tunables(transport)
		return concurrency.Tunables{Initial: t.InitialDestinationConcurrency, Limit: t.ConcurrencyLimit}
	}
	conc := concurrency.New(concTunables, cfg.Queue.MinBackoff, cfg.Queue.MessageRecipientLimit)
	active := activeset.New(cfg.Queue.MessageActiveLimit)

	report := retry.New(store, col.Bounce, retry.Config{
		IncomingDir:          cfg.Queue.IncomingDir(),
		ActiveDir:            cfg.Queue.ActiveDir(),
		DeferredDir:          cfg.Queue.DeferredDir(),
		CorruptDir:           cfg.Queue.CorruptDir(),
		MinBackoff:           cfg.Queue.MinBackoff,
		MaxBackoff:           cfg.Queue.MaxBackoff,
		MaximalQueueLifetime: cfg.Queue.MaximalQueueLifetime,
		RequestDSNSuccess:    cfg.Queue.RequestDSNSuccess,
		OnFinalize:           func(*entity.Message) { active.Release() },
	}, log)

	deferredTransports := make(map[string]bool, len(cfg.DeferredTransports))
	for _, t := range cfg.DeferredTransports {
		deferredTransports[t] = true
	}

	ld := loader.New(store, col.Resolver, report, loader.Config{
		RecipientCap:        cfg.Queue.MessageRecipientLimit,
		DoubleBounceAddress: cfg.DoubleBounceAddr,
		RelocatedTable:      cfg.RelocatedTable,
		VirtualTable:        cfg.VirtualTable,
		DeferredTransports:  deferredTransports,
		OnNewDestination:    conc.InitializeWindow,
		OnNewJob:            sched.AddJob,
	})

	disp := dispatcher.New(store, col.DeliveryAgent, sched, conc, report, log, 60*time.Second, cfg.Queue.TransportRetryTime)

	return &Engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		incoming: scanner.New(cfg.Queue.IncomingDir(), false),
		deferred: scanner.New(cfg.Queue.DeferredDir(), true),
		active:   active,
		load:     ld,
		sched:    sched,
		conc:     conc,
		disp:     disp,
		report:   report,
	}
}

// AttachTriggers binds the trigger-socket listener the event loop selects
// on. Separate from New so tests can drive the loop without a real socket.
func (e *Engine) AttachTriggers(l *trigger.Listener) { e.triggers = l }

// AttachChangeDetector binds the configuration-file watcher (§5, §7 item 7).
func (e *Engine) AttachChangeDetector(d *config.ChangeDetector) { e.changes = d }

// Store exposes the entity graph for the introspection server.
func (e *Engine) Store() *entity.Store { return e.store }

// Active exposes the active-set controller for the introspection server.
func (e *Engine) Active() *activeset.Controller { return e.active }

// Run drives the cooperative event loop until ctx is cancelled or a
// configuration change is detected (§5 "Scheduling model").
func (e *Engine) Run(ctx context.Context) error {
	if err := e.report.RecoverLeftovers(); err != nil {
		e.log.Warnf("left-over recovery failed: %v", err)
	}
	e.deferred.Request(scanner.ScanStart)

	g, gctx := errgroup.WithContext(ctx)
	e.inflight = g
	defer g.Wait()

	ticker := time.NewTicker(e.cfg.Queue.QueueRunDelay)
	defer ticker.Stop()

	for {
		if e.changes != nil {
			select {
			case <-e.changes.Changed():
				e.log.Info("configuration changed on disk, exiting for restart")
				return nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.deferred.Request(scanner.ScanStart)
		default:
		}

		if e.triggers != nil {
			select {
			case req := <-e.triggers.Events():
				e.applyTrigger(req)
			default:
			}
		}

		e.activeDrain(gctx)

		if e.admitOneAndOne(ctx) == activeset.WaitForEvent {
			if waited := e.waitForEvent(ctx, ticker); waited {
				return nil
			}
		}
	}
}

// waitForEvent blocks until some event lets the loop make progress, or ctx
// is cancelled; it returns true when the caller should exit Run entirely
// (ctx was cancelled or a configuration change was observed).
func (e *Engine) waitForEvent(ctx context.Context, ticker *time.Ticker) bool {
	var changed <-chan struct{}
	if e.changes != nil {
		changed = e.changes.Changed()
	}
	var events <-chan trigger.Request
	if e.triggers != nil {
		events = e.triggers.Events()
	}

	select {
	case <-ctx.Done():
		return true
	case <-changed:
		e.log.Info("configuration changed on disk, exiting for restart")
		return true
	case <-ticker.C:
		e.deferred.Request(scanner.ScanStart)
	case req := <-events:
		e.applyTrigger(req)
	case <-time.After(100 * time.Millisecond):
	}
	return false
}

// applyTrigger applies a coalesced trigger-socket request: modifiers
// (SCAN_ALL, FLUSH_DEAD) before the scan triggers they condition, matching
// the ordering guarantee in §5.
func (e *Engine) applyTrigger(req trigger.Request) {
	if req.ScanAll {
		e.incoming.Request(scanner.ScanAll)
		e.deferred.Request(scanner.ScanAll)
	}
	if req.FlushDead {
		e.conc.FlushDead(e.store.Transports())
	}
	if req.ScanIncoming {
		e.incoming.Request(scanner.ScanStart)
	}
	if req.ScanDeferred {
		e.deferred.Request(scanner.ScanStart)
	}
}

// activeDrain selects and dispatches every batch currently eligible across
// every transport (§4.7). Each dispatch runs in its own goroutine, tracked
// in e.inflight, so slow destinations on one transport never block selection
// on another, and Run can still join every outstanding dispatch at shutdown.
func (e *Engine) activeDrain(ctx context.Context) {
	for _, t := range e.store.Transports() {
		for {
			batch, ok := e.sched.Select(t)
			if !ok {
				break
			}
			e.sched.Commit(batch)
			e.inflight.Go(func() error {
				e.disp.Dispatch(ctx, batch)
				return nil
			})
		}
	}
}

// admitOneAndOne draws exactly one path from the incoming scanner, then one
// from the deferred scanner, feeding each to the loader (§4.4 "fixed
// one-and-one alternation").
func (e *Engine) admitOneAndOne(ctx context.Context) activeset.Result {
	admitted := false

	if e.active.BelowLimit() {
		if name, ok := e.incoming.Next(); ok {
			e.admit(ctx, filepath.Join(e.cfg.Queue.IncomingDir(), name))
			admitted = true
		}
	}
	if e.active.BelowLimit() {
		if name, ok := e.deferred.Next(); ok {
			e.admit(ctx, filepath.Join(e.cfg.Queue.DeferredDir(), name))
			admitted = true
		}
	}

	if admitted {
		return activeset.DontWait
	}
	return activeset.WaitForEvent
}

// admit moves a queue file into the active queue and loads it, handling the
// corrupt-file and transient-open outcomes documented in §4.3.
//
// The active-set slot is reserved before Load runs, not after: a message
// with no recipients left to deliver (all filtered at load time into
// immediate bounce/defer) can finalize synchronously inside Load, before it
// ever returns here, and apart from the Release below when Load fails, the
// only place that releases a slot is the retry reporter's finalize callback
// (Config.OnFinalize). Reserving first keeps
// that callback's Release() always paired with a prior Admit(), whichever
// order they happen to run in.
func (e *Engine) admit(_ context.Context, path string) {
	activePath := filepath.Join(e.cfg.Queue.ActiveDir(), filepath.Base(path))
	if err := moveFile(path, activePath); err != nil {
		e.log.Warnf("failed to move %s into active queue: %v", path, err)
		return
	}

	e.active.Admit()
	if _, err := e.load.Load(activePath); err != nil {
		e.active.Release()
		e.handleLoadError(activePath, err)
		return
	}
}

// moveFile performs an atomic rename within the same queue filesystem (§5
// "Shared resources"): the four queue directories are expected to live on
// one filesystem so this never falls back to copy-then-remove.
func moveFile(src, dst string) error {
	return os.Rename(src, dst)
}

func (e *Engine) handleLoadError(path string, err error) {
	switch err.(type) {
	case *loader.ErrCorrupt:
		corruptPath := filepath.Join(e.cfg.Queue.CorruptDir(), filepath.Base(path))
		if mvErr := moveFile(path, corruptPath); mvErr != nil {
			e.log.Errorf("failed to move corrupt file %s to corrupt queue: %v", path, mvErr)
		} else {
			e.log.Warnf("moved corrupt queue file %s to corrupt queue: %v", path, err)
		}
	case *loader.ErrTransientOpen:
		e.log.Warnf("transient open failure, left in place for retry: %v", err)
	default:
		e.log.Errorf("unexpected loader error for %s: %v", path, err)
	}
}
