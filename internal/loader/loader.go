// Package loader implements the message loader (§4.3): it turns one queue
// file into an in-core message, resolves and filters its recipients, and
// binds each one to a destination queue and delivery job.
//
// The on-disk queue-file format itself is explicitly out of scope (§1); this
// package defines the minimal line-oriented format the rest of the engine
// needs in order to have something concrete to stream and resume. A file
// opens with three mandatory header lines - FROM:, ARRIVAL: and INTERVAL: -
// followed by one RCPT: line per recipient. ARRIVAL carries the message's
// true arrival time, kept stable across any rewrite-and-move a retry does to
// the file; INTERVAL carries the backoff interval used to schedule the
// retry that produced this copy of the file, so the next backoff computed
// off of it (§4.8) does not reset to the minimum every cycle.
package loader

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/igodwin/qmgr/internal/collab"
	"github.com/igodwin/qmgr/internal/entity"
)

// ErrCorrupt signals a structural parse failure (§4.3 "Corruption policy"):
// the caller must move the file to the corrupt queue without attempting any
// delivery.
type ErrCorrupt struct{ Path string; Reason string }

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("corrupt queue file %s: %s", e.Path, e.Reason)
}

// ErrTransientOpen signals a failure to even open the file (e.g. it raced
// with an external mover). It is distinct from ErrCorrupt: the file is left
// where it is rather than moved to the corrupt queue. The engine has already
// moved it into the active queue, which no scanner reads, so it is picked up
// again only by left-over recovery at the next start (supplemented feature 3,
// grounded in original_source/postfix qmgr.c's handling of open races).
type ErrTransientOpen struct{ Path string; Cause error }

func (e *ErrTransientOpen) Error() string {
	return fmt.Sprintf("transient open failure for %s: %v", e.Path, e.Cause)
}

// Sink receives recipients that never get a delivery job: bounced
// (relocated table match), deferred outright (deferred-transport routing,
// resolver failure), or silently discarded (double-bounce address, §4.3
// item 2). Every branch reaches Sink so the loader never owns a recipient
// that can leave msg without ever being accounted for at finalization time.
type Sink interface {
	ImmediateBounce(msg *entity.Message, address, reason string)
	ImmediateDefer(msg *entity.Message, address, reason string)
	ImmediateDiscard(msg *entity.Message)
}

// Config holds the loader's filtering tables (§4.3).
type Config struct {
	RecipientCap        int
	DoubleBounceAddress string
	RelocatedTable      map[string]string // address -> forwarding address
	VirtualTable        map[string]string // domain -> rewritten domain
	DeferredTransports  map[string]bool   // transport name -> treat as deferred

	// OnNewDestination, if set, is called the first time a recipient binds
	// to a given (transport, nexthop) pair, so the caller can initialize its
	// concurrency window (§4.6).
	OnNewDestination func(*entity.Destination)

	// OnNewJob, if set, is called the first time a message gets a job on a
	// given transport, so the caller can push it onto that transport's job
	// stack (§4.5 "Push job on entry").
	OnNewJob func(*entity.Job)
}

// Loader reads queue files into in-core messages (§4.3).
type Loader struct {
	store    *entity.Store
	resolver collab.Resolver
	sink     Sink
	cfg      Config
}

func New(store *entity.Store, resolver collab.Resolver, sink Sink, cfg Config) *Loader {
	return &Loader{store: store, resolver: resolver, sink: sink, cfg: cfg}
}

// Load opens path, reads the envelope header and the first cohort of
// recipients (up to cfg.RecipientCap), and returns the new in-core message.
func (l *Loader) Load(path string) (*entity.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ErrTransientOpen{Path: path, Cause: err}
	}
	defer f.Close()

	if _, err := f.Stat(); err != nil {
		return nil, &ErrTransientOpen{Path: path, Cause: err}
	}

	r := bufio.NewReader(f)

	sender, headerLen, err := readHeaderLine(r, "FROM:")
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "missing envelope sender"}
	}
	arrivalField, n, err := readHeaderLine(r, "ARRIVAL:")
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "missing arrival stamp"}
	}
	headerLen += n
	intervalField, n, err := readHeaderLine(r, "INTERVAL:")
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "missing interval stamp"}
	}
	headerLen += n

	arrivalSeconds, err := strconv.ParseInt(arrivalField, 10, 64)
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "malformed arrival stamp"}
	}
	intervalSeconds, err := strconv.ParseInt(intervalField, 10, 64)
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "malformed interval stamp"}
	}

	msg := &entity.Message{
		ID:           filepath.Base(path),
		Path:         path,
		Sender:       sender,
		ArrivalTime:  time.Unix(arrivalSeconds, 0),
		LastInterval: time.Duration(intervalSeconds) * time.Second,
		RecipientCap: l.cfg.RecipientCap,
		NextOffset:   int64(headerLen),
		Jobs:         make(map[string]*entity.Job),
	}

	l.store.AddMessage(msg)
	if err := l.loadCohort(msg, r); err != nil {
		return nil, err
	}
	return msg, nil
}

// readHeaderLine reads one mandatory header line, checks its prefix, and
// returns the value along with the number of bytes consumed (including the
// trailing newline, needed to keep NextOffset accurate for resumed reads).
func readHeaderLine(r *bufio.Reader, prefix string) (value string, n int, err error) {
	line, err := r.ReadString('\n')
	if line == "" && err != nil {
		return "", 0, err
	}
	trimmed := strings.TrimRight(line, "\n")
	if !strings.HasPrefix(trimmed, prefix) {
		return "", 0, fmt.Errorf("expected %s header", prefix)
	}
	return strings.TrimPrefix(trimmed, prefix), len(line), nil
}

// LoadNextCohort resumes reading recipients from msg.NextOffset once the
// message's current cohort has drained (§4.3 "Recipient streaming").
func (l *Loader) LoadNextCohort(msg *entity.Message) error {
	f, err := os.Open(msg.Path)
	if err != nil {
		return &ErrTransientOpen{Path: msg.Path, Cause: err}
	}
	defer f.Close()

	if _, err := f.Seek(msg.NextOffset, 0); err != nil {
		return &ErrCorrupt{Path: msg.Path, Reason: "bad resume offset"}
	}
	return l.loadCohort(msg, bufio.NewReader(f))
}

func (l *Loader) loadCohort(msg *entity.Message, r *bufio.Reader) error {
	count := 0
	offset := msg.NextOffset

	for count < msg.RecipientCap || msg.RecipientCap <= 0 {
		line, err := r.ReadString('\n')
		if line == "" && err != nil {
			msg.Exhausted = true
			break
		}
		trimmed := strings.TrimRight(line, "\n")
		offset += int64(len(line))

		if trimmed == "" {
			if err != nil {
				msg.Exhausted = true
				break
			}
			continue
		}

		const rcptPrefix = "RCPT:"
		if !strings.HasPrefix(trimmed, rcptPrefix) {
			return &ErrCorrupt{Path: msg.Path, Reason: "malformed recipient record"}
		}
		address := strings.TrimPrefix(trimmed, rcptPrefix)
		// Mark the message exhausted before binding the file's final record,
		// so a sink that retires that record can finalize the message.
		if _, perr := r.Peek(1); perr != nil {
			msg.Exhausted = true
		}
		l.bindRecipient(msg, address, offset)
		count++

		if err != nil {
			msg.Exhausted = true
			break
		}
	}

	msg.NextOffset = offset
	return nil
}

func (l *Loader) bindRecipient(msg *entity.Message, address string, offset int64) {
	if address == l.cfg.DoubleBounceAddress {
		// Silently discarded per §4.3 item 2: no bounce/defer record, but
		// still routed through Sink so a message made up entirely of
		// double-bounce recipients reaches checkMessageComplete and
		// finalizes instead of sitting in the store forever.
		l.sink.ImmediateDiscard(msg)
		return
	}

	if forward, ok := l.cfg.RelocatedTable[address]; ok {
		l.sink.ImmediateBounce(msg, address, fmt.Sprintf("user has moved to %s", forward))
		return
	}

	rewritten := address
	if at := strings.LastIndex(address, "@"); at >= 0 {
		domain := address[at+1:]
		if newDomain, ok := l.cfg.VirtualTable[domain]; ok {
			rewritten = address[:at+1] + newDomain
		}
	}

	res, err := l.resolver.Resolve(context.Background(), msg.Sender, rewritten)
	if err != nil {
		l.sink.ImmediateDefer(msg, address, "transient lookup failure")
		return
	}

	if res.Flags == collab.ResolveRelocated {
		l.sink.ImmediateBounce(msg, address, fmt.Sprintf("user has moved to %s", res.RelocatedTo))
		return
	}

	if l.cfg.DeferredTransports[res.Transport] || res.Flags == collab.ResolveDeferredTransport {
		l.sink.ImmediateDefer(msg, address, "deferred transport")
		return
	}

	transport := l.store.GetOrCreateTransport(res.Transport)
	dest, destCreated := l.store.GetOrCreateDestination(transport, res.Nexthop)
	if destCreated && l.cfg.OnNewDestination != nil {
		l.cfg.OnNewDestination(dest)
	}
	job, jobCreated := l.store.GetOrCreateJob(msg, transport)
	if jobCreated && l.cfg.OnNewJob != nil {
		l.cfg.OnNewJob(job)
	}

	rec := &entity.Recipient{
		Address:         res.RewrittenAddress,
		OriginalAddress: address,
		Offset:          offset,
		Destination:     dest,
		Message:         msg,
		Job:             job,
		Status:          entity.RecipientPending,
	}

	dest.Pending = append(dest.Pending, rec)
	msg.Live = append(msg.Live, rec)
	job.RemainingOnTransport++

	peer, ok := job.Peers[dest.Nexthop]
	if !ok {
		peer = &entity.Peer{Destination: dest}
		job.Peers[dest.Nexthop] = peer
		job.PeerOrder = append(job.PeerOrder, dest.Nexthop)
	}
	peer.Recipients = append(peer.Recipients, rec)
}
