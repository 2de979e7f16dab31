// Package retry implements the per-recipient terminal handling described in
// spec §4.8: exponential backoff with a bounded lifetime, bounce/defer
// dispatch, message finalization, and left-over recovery at startup.
package retry

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/igodwin/qmgr/internal/collab"
	"github.com/igodwin/qmgr/internal/entity"
	"github.com/igodwin/qmgr/internal/logging"
)

// Config carries the directory layout and backoff parameters (§4.8, §6).
type Config struct {
	IncomingDir string
	ActiveDir   string
	DeferredDir string
	CorruptDir  string

	MinBackoff           time.Duration
	MaxBackoff           time.Duration
	MaximalQueueLifetime time.Duration
	RequestDSNSuccess    bool

	// OnFinalize, if set, is called once a message is fully retired and
	// removed from the store (invariant 5), whether it resolved
	// synchronously during loading (no recipients ever went live) or
	// later through delivery/retry. The active-set controller hooks this
	// to release the in-core slot it reserved on admission (§4.4).
	OnFinalize func(*entity.Message)
}

// Reporter turns per-recipient delivery outcomes into bounce/defer records
// and queue-file moves (§4.8).
type Reporter struct {
	store  *entity.Store
	bounce collab.BounceClient
	cfg    Config
	clock  func() time.Time
	log    *logging.Logger
}

func New(store *entity.Store, bounce collab.BounceClient, cfg Config, log *logging.Logger) *Reporter {
	return &Reporter{store: store, bounce: bounce, cfg: cfg, clock: time.Now, log: log}
}

// HandleDelivered retires rec as delivered, reporting a success record only
// when DSN success was requested (§4.8 "Delivered").
func (r *Reporter) HandleDelivered(ctx context.Context, rec *entity.Recipient) {
	rec.Status = entity.RecipientDelivered
	if r.cfg.RequestDSNSuccess {
		if err := r.bounce.ReportSuccess(ctx, rec.Message.ID, rec.OriginalAddress); err != nil {
			r.log.Warnf("success report failed for %s: %v", rec.OriginalAddress, err)
		}
	}
	r.retire(ctx, rec)
}

// HandleSoftFail retires rec as deferred, scheduling a retry at
// now + min(max_backoff, max(min_backoff, 2*last_interval)), or escalates to
// a hard failure once maximal_queue_lifetime has elapsed since the message's
// arrival time (§4.8 "Soft-failed").
func (r *Reporter) HandleSoftFail(ctx context.Context, rec *entity.Recipient, reason string) {
	msg := rec.Message
	if r.clock().Sub(msg.ArrivalTime) >= r.cfg.MaximalQueueLifetime {
		r.HandleHardFail(ctx, rec, fmt.Sprintf("maximal queue lifetime exceeded: %s", reason))
		return
	}

	rec.Status = entity.RecipientSoftFailed
	rec.LastError = reason

	interval := msg.LastInterval * 2
	if interval < r.cfg.MinBackoff {
		interval = r.cfg.MinBackoff
	}
	if interval > r.cfg.MaxBackoff {
		interval = r.cfg.MaxBackoff
	}
	msg.LastInterval = interval

	retryAt := r.clock().Add(interval)
	if err := r.bounce.ReportDefer(ctx, msg.ID, rec.OriginalAddress, reason, retryAt.Unix()); err != nil {
		r.log.Warnf("defer report failed for %s: %v", rec.OriginalAddress, err)
	}
	r.retire(ctx, rec)
}

// HandleHardFail retires rec as bounced, reporting a bounce record
// unconditionally (§4.8 "Hard-failed").
func (r *Reporter) HandleHardFail(ctx context.Context, rec *entity.Recipient, reason string) {
	rec.Status = entity.RecipientHardFailed
	rec.LastError = reason
	if err := r.bounce.ReportBounce(ctx, rec.Message.ID, rec.OriginalAddress, reason); err != nil {
		r.log.Warnf("bounce report failed for %s: %v", rec.OriginalAddress, err)
	}
	r.retire(ctx, rec)
}

// ImmediateBounce implements loader.Sink for recipients filtered out before
// ever being bound to a destination (relocated-table matches, §4.3 item 2):
// they never touch msg.Live, so they are reported directly.
func (r *Reporter) ImmediateBounce(msg *entity.Message, address, reason string) {
	if err := r.bounce.ReportBounce(context.Background(), msg.ID, address, reason); err != nil {
		r.log.Warnf("bounce report failed for %s: %v", address, err)
	}
	r.checkMessageComplete(context.Background(), msg)
}

// ImmediateDefer implements loader.Sink for recipients routed straight to
// deferral at load time (resolver failure, deferred-transport table, §4.3
// item 2). The recipient is recorded as soft-failed in msg.Done so finalize
// carries it into the deferred-queue file.
func (r *Reporter) ImmediateDefer(msg *entity.Message, address, reason string) {
	retryAt := r.clock().Add(r.cfg.MinBackoff)
	if err := r.bounce.ReportDefer(context.Background(), msg.ID, address, reason, retryAt.Unix()); err != nil {
		r.log.Warnf("defer report failed for %s: %v", address, err)
	}
	if msg.LastInterval < r.cfg.MinBackoff {
		msg.LastInterval = r.cfg.MinBackoff
	}
	msg.Done = append(msg.Done, &entity.Recipient{
		Address:         address,
		OriginalAddress: address,
		Message:         msg,
		Status:          entity.RecipientSoftFailed,
		LastError:       reason,
	})
	r.checkMessageComplete(context.Background(), msg)
}

// ImmediateDiscard implements loader.Sink for the double-bounce address
// (§4.3 item 2): no bounce or defer record is produced, but the message
// still needs to be checked for completion, or one consisting solely of
// double-bounce recipients would never finalize.
func (r *Reporter) ImmediateDiscard(msg *entity.Message) {
	r.checkMessageComplete(context.Background(), msg)
}

func (r *Reporter) retire(ctx context.Context, rec *entity.Recipient) {
	msg := rec.Message
	for i, live := range msg.Live {
		if live == rec {
			msg.Live = append(msg.Live[:i], msg.Live[i+1:]...)
			break
		}
	}
	msg.Done = append(msg.Done, rec)

	if rec.Job != nil {
		rec.Job.RemainingOnTransport--
		r.store.ReleaseJobIfEmpty(rec.Job)
	}

	r.checkMessageComplete(ctx, msg)
}

// checkMessageComplete finalizes msg once every recipient record the loader
// will ever produce for it has reached a terminal status (invariant 5): the
// file is exhausted and nothing remains live.
func (r *Reporter) checkMessageComplete(ctx context.Context, msg *entity.Message) {
	if !msg.Exhausted || len(msg.Live) != 0 {
		return
	}
	msg.Terminal = true
	r.finalize(msg)
}

// finalize disposes of msg's queue file once every recipient is terminal
// (§4.8 "Hard-failed... remove the queue file"): recipients left
// soft-failed are rewritten into a fresh deferred-queue file stamped with
// the next retry time; if none remain, the original file is simply removed.
func (r *Reporter) finalize(msg *entity.Message) {
	var deferred []*entity.Recipient
	for _, rec := range msg.Done {
		if rec.Status == entity.RecipientSoftFailed {
			deferred = append(deferred, rec)
		}
	}

	if len(deferred) == 0 {
		if err := os.Remove(msg.Path); err != nil && !os.IsNotExist(err) {
			r.log.Warnf("failed to remove queue file %s: %v", msg.Path, err)
		}
		r.store.RemoveMessage(msg.ID)
		if r.cfg.OnFinalize != nil {
			r.cfg.OnFinalize(msg)
		}
		return
	}

	if err := r.writeDeferredFile(msg, deferred); err != nil {
		r.log.Errorf("failed to write deferred file for %s: %v", msg.ID, err)
		return
	}
	if err := os.Remove(msg.Path); err != nil && !os.IsNotExist(err) {
		r.log.Warnf("failed to remove superseded queue file %s: %v", msg.Path, err)
	}
	r.store.RemoveMessage(msg.ID)
	if r.cfg.OnFinalize != nil {
		r.cfg.OnFinalize(msg)
	}
}

// writeDeferredFile rewrites msg as a fresh deferred-queue file carrying
// only its still-pending recipients, preserving the original arrival time
// and recording the interval just used so the next backoff computation
// builds on it rather than restarting from min_backoff (§4.8, loader
// header format).
func (r *Reporter) writeDeferredFile(msg *entity.Message, deferred []*entity.Recipient) error {
	path := filepath.Join(r.cfg.DeferredDir, msg.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "FROM:%s\n", msg.Sender)
	fmt.Fprintf(w, "ARRIVAL:%d\n", msg.ArrivalTime.Unix())
	fmt.Fprintf(w, "INTERVAL:%d\n", int64(msg.LastInterval/time.Second))
	for _, rec := range deferred {
		fmt.Fprintf(w, "RCPT:%s\n", rec.OriginalAddress)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// File mtime is the deferred-queue eligibility stamp the scanner reads.
	retryAt := r.clock().Add(msg.LastInterval)
	return os.Chtimes(path, retryAt, retryAt)
}

// RecoverLeftovers moves any files still sitting in the active queue back to
// incoming at startup and sets their mtime to event_time()+min_backoff (§4.8
// "Left-overs"). The incoming scanner does not filter by mtime, so the stamp
// does not delay them: recovered files are eligible on the next incoming scan.
func (r *Reporter) RecoverLeftovers() error {
	entries, err := os.ReadDir(r.cfg.ActiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	stamp := r.clock().Add(r.cfg.MinBackoff)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(r.cfg.ActiveDir, entry.Name())
		dst := filepath.Join(r.cfg.IncomingDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			r.log.Warnf("failed to recover left-over queue file %s: %v", entry.Name(), err)
			continue
		}
		if err := os.Chtimes(dst, stamp, stamp); err != nil {
			r.log.Warnf("failed to stamp recovered queue file %s: %v", entry.Name(), err)
		}
	}
	return nil
}
