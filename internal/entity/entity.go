// Package entity owns the transport/destination/job/message/recipient graph
// described in spec §3. Cross-references are plain pointers into maps kept
// by Store, which is the single place that creates and destroys them; this
// keeps destruction order explicit despite the cyclic conceptual ownership
// (transport ↔ destination ↔ job ↔ message).
package entity

import (
	"sync"
	"time"
)

// RecipientStatus is the lifecycle state of a single recipient entry (§3).
type RecipientStatus int

const (
	RecipientPending RecipientStatus = iota
	RecipientInFlight
	RecipientDelivered
	RecipientSoftFailed
	RecipientHardFailed
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientDelivered || s == RecipientSoftFailed || s == RecipientHardFailed
}

// Recipient is one (address, destination, message) binding (§3).
type Recipient struct {
	Address         string
	OriginalAddress string
	Offset          int64

	Destination *Destination
	Message     *Message
	Job         *Job

	Status      RecipientStatus
	LastError   string
	Relocated   string // non-empty when bound for a "user has moved" bounce
	Attempt     int
}

// Destination is identified by (transport, nexthop) (§3).
type Destination struct {
	Nexthop   string
	Transport *Transport

	Pending []*Recipient
	InFlight int

	Window int // current concurrency window (slow start, §4.6)
	Dead   bool
	RetryAfter time.Time
	Blocker    bool
}

// Peer is a job's slice of one destination queue: the subset of the
// message's recipients bound to that destination (§3).
type Peer struct {
	Destination *Destination
	Recipients  []*Recipient
}

// StackFrame is one preemption generation on a transport's job stack (§4.5).
// PreemptedJob is nil for a base (non-preempting) frame; otherwise it names
// the job this frame is shadowing, whose slots_available resets to zero when
// the frame empties (invariant 7).
type StackFrame struct {
	Jobs         []*Job
	PreemptedJob *Job
}

// JobStack is the total order over a transport's jobs (invariant 6): later
// frames shadow earlier ones; within a frame, arrival order applies.
type JobStack struct {
	Frames []*StackFrame
}

func (s *JobStack) Top() *StackFrame {
	if len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[len(s.Frames)-1]
}

func (s *JobStack) Push(frame *StackFrame) {
	s.Frames = append(s.Frames, frame)
}

// popEmptyFrames removes frames (from the top) that have no jobs left,
// resetting any shadowed job's slot credit as it resumes (invariant 7).
func (s *JobStack) popEmptyFrames() {
	for len(s.Frames) > 0 {
		top := s.Frames[len(s.Frames)-1]
		if len(top.Jobs) > 0 {
			return
		}
		s.Frames = s.Frames[:len(s.Frames)-1]
		if top.PreemptedJob != nil {
			top.PreemptedJob.SlotsAvailable = 0
		}
	}
}

// RemoveJob removes job from whichever frame holds it and pops any frame
// that becomes empty as a result.
func (s *JobStack) RemoveJob(job *Job) {
	for _, frame := range s.Frames {
		for i, j := range frame.Jobs {
			if j == job {
				frame.Jobs = append(frame.Jobs[:i], frame.Jobs[i+1:]...)
				break
			}
		}
	}
	s.popEmptyFrames()
}

// Job is identified by (message, transport) (§3).
type Job struct {
	Message   *Message
	Transport *Transport

	Peers     map[string]*Peer // destination nexthop -> peer
	PeerOrder []string         // insertion order, for round-robin selection

	RemainingOnTransport int
	InSelection          bool

	// Delivery-slot accounting (§4.5). Placement decision recorded in
	// SPEC_FULL.md (supplemented feature 1): kept per-job rather than per-message, since a
	// job is exactly the per-transport unit the stack preempts.
	SlotsUsed      int
	SlotsAvailable int

	ArrivalSeq int64 // monotonic counter, breaks ties within a frame
}

// Message is an in-core queue file (§3).
type Message struct {
	ID           string // immutable queue id
	Path         string
	Sender       string
	ArrivalTime  time.Time
	LastInterval time.Duration // last backoff interval used, for §4.8 exponential retry
	RecipientCap int

	// NextOffset is where the loader resumes reading recipient records when
	// the message has more recipients than RecipientCap allows in one cohort
	// (§4.3 "Recipient streaming").
	NextOffset int64
	Exhausted  bool // all recipient records in the file have been read

	Jobs map[string]*Job // transport name -> job

	Live []*Recipient // bound recipients not yet terminal
	Done []*Recipient // terminal recipients pending status-report dispatch

	Terminal bool
}

// Transport is a named delivery channel (§3).
type Transport struct {
	Name string

	Dead       bool
	RetryAfter time.Time

	Destinations map[string]*Destination // nexthop -> destination
	Stack        JobStack

	// Cursor rotates across a job's peers at selection time, advancing after
	// every successful batch dispatch so no destination starves (§4.5).
	Cursor int
}

// Store owns the whole graph and is the only place that creates or destroys
// transports, destinations, jobs and messages (§4.1, §9).
type Store struct {
	mu sync.Mutex

	transports map[string]*Transport
	messages   map[string]*Message

	arrivalSeq int64
}

func NewStore() *Store {
	return &Store{
		transports: make(map[string]*Transport),
		messages:   make(map[string]*Message),
	}
}

// GetOrCreateTransport interns a transport by name. A transport is created
// on first use (§3) and stays in the store until the process exits; FlushDead
// clears its dead flag but does not remove it.
func (s *Store) GetOrCreateTransport(name string) *Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transports[name]
	if ok {
		return t
	}
	t = &Transport{
		Name:         name,
		Destinations: make(map[string]*Destination),
	}
	s.transports[name] = t
	return t
}

func (s *Store) Transports() []*Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	return out
}

// GetOrCreateDestination interns a (transport, nexthop) destination queue,
// created on first recipient binding (§3, §4.1). created reports whether
// this call allocated it, so the caller can initialize its concurrency
// window exactly once.
func (s *Store) GetOrCreateDestination(t *Transport, nexthop string) (d *Destination, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := t.Destinations[nexthop]
	if ok {
		return d, false
	}
	d = &Destination{Nexthop: nexthop, Transport: t}
	t.Destinations[nexthop] = d
	return d, true
}

// ReleaseDestinationIfIdle destroys d when it is empty, not blocked, and not
// referenced by any job as a peer (§3, §4.1).
func (s *Store) ReleaseDestinationIfIdle(d *Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(d.Pending) != 0 || d.InFlight != 0 || d.Blocker {
		return
	}
	for _, job := range d.Transport.Stack.allJobs() {
		if _, referenced := job.Peers[d.Nexthop]; referenced {
			return
		}
	}
	delete(d.Transport.Destinations, d.Nexthop)
}

func (s *JobStack) allJobs() []*Job {
	var out []*Job
	for _, f := range s.Frames {
		out = append(out, f.Jobs...)
	}
	return out
}

// GetOrCreateJob interns the (message, transport) job, created the first
// time a recipient of the message resolves to this transport (§3).
func (s *Store) GetOrCreateJob(m *Message, t *Transport) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := m.Jobs[t.Name]; ok {
		return j, false
	}

	s.arrivalSeq++
	j := &Job{
		Message:    m,
		Transport:  t,
		Peers:      make(map[string]*Peer),
		ArrivalSeq: s.arrivalSeq,
	}
	m.Jobs[t.Name] = j
	return j, true
}

// ReleaseJobIfEmpty removes a job once it has no remaining recipients on its
// transport (§3), unlinking it from the transport's job stack.
func (s *Store) ReleaseJobIfEmpty(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.RemainingOnTransport > 0 {
		return
	}
	delete(j.Message.Jobs, j.Transport.Name)
	j.Transport.Stack.RemoveJob(j)
}

// AddMessage registers a newly loaded in-core message (§4.3).
func (s *Store) AddMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
}

// RemoveMessage destroys an in-core message once every recipient ever bound
// to it has reached terminal status and its status reports have been
// dispatched (invariant 5).
func (s *Store) RemoveMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}

func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) Message(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}
