// Package signalx implements a remote thread-introspection protocol: one
// thread asks a question about another thread's current execution state
// (its RIP, its frame count, ...) without that thread's cooperation
// beyond answering a pending query.
//
// A real JVM-style implementation sends a POSIX realtime signal carrying
// a pointer to a query record, and the target's async-signal handler
// answers from inside signal context. Go cannot install a true
// async-signal-safe handler with siginfo payload access without cgo or
// hand-written assembly, so this package adapts the protocol to Go's
// cooperative scheduler instead: the same CAS-guarded query/answer/restart
// handshake, but delivered through a doorbell channel each guest thread's
// run loop polls at its own safepoint checks (internal/stack's
// SafepointCheckRequested), rather than through an interrupt that can
// land mid-instruction. This is a deliberate adaptation, not an oversight.
package signalx

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// QueryKind enumerates the questions a requester can ask of a target
// thread.
type QueryKind int

const (
	GetGuestFrameStackInstructionPointer QueryKind = iota
	GetNumFrames
	GetNthFrameStackPointer
)

// State classifies where a target thread currently is.
type State int

const (
	InGuest State = iota
	InVM
	Transitioning
	FrameBeingCreated
)

func (s State) String() string {
	switch s {
	case InGuest:
		return "InGuest"
	case InVM:
		return "InVM"
	case Transitioning:
		return "Transitioning"
	case FrameBeingCreated:
		return "FrameBeingCreated"
	default:
		return "Unknown"
	}
}

// Query is the pre-registered record a requester publishes before
// signaling a target thread.
type Query struct {
	Kind     QueryKind
	FrameIdx int // argument for GetNthFrameStackPointer
}

// Answer is what the target thread's handler publishes back.
type Answer struct {
	State  State
	IP     uintptr
	SP     uintptr
	BP     uintptr
	NumInt int
}

// Mailbox is the per-thread SignalAccessibleJavaStackData-adjacent slot
// that carries exactly one outstanding query/answer pair at a time: a
// second Send while one is pending fails the CAS.
type Mailbox struct {
	pending  atomic.Value // *Query, nil when idle
	answer   atomic.Value // *Answer, nil until the handler publishes
	inSignal int32        // atomic
	doorbell chan struct{}
	restart  chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		doorbell: make(chan struct{}, 1),
		restart:  make(chan struct{}, 1),
	}
}

// ErrQueryAlreadyOutstanding is returned by Send when a previous query on
// the same mailbox has not yet been answered and restarted.
var ErrQueryAlreadyOutstanding = fmt.Errorf("signalx: a query is already outstanding for this thread")

// Send publishes q into the mailbox and rings the doorbell, the
// Go-idiomatic stand-in for "sigqueue the pause signal carrying a
// pointer to the query". It does not block for the answer; call
// AwaitAnswer separately.
func (m *Mailbox) Send(q *Query) error {
	// Idle is either "never used" (nil) or "cleared by Restart" (a typed
	// nil *Query); either one may be replaced.
	if !m.pending.CompareAndSwap(nil, q) && !m.pending.CompareAndSwap((*Query)(nil), q) {
		return ErrQueryAlreadyOutstanding
	}
	m.answer.Store((*Answer)(nil))
	select {
	case m.doorbell <- struct{}{}:
	default:
	}
	return nil
}

// AwaitAnswer blocks until the target thread has published an answer.
func (m *Mailbox) AwaitAnswer() *Answer {
	for {
		if a, _ := m.answer.Load().(*Answer); a != nil {
			return a
		}
		// In the real protocol the requester blocks in sigwaitinfo; here
		// we just spin-yield, since this is a rare diagnostic path, not a
		// hot one.
		runtime.Gosched()
	}
}

// Restart fires the restart doorbell, the analogue of sigqueue-ing
// THREAD_RESTART_SIGNAL after reading the answer, and clears the pending
// query so a new one may be sent.
func (m *Mailbox) Restart() {
	m.pending.Store((*Query)(nil))
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// PollQuery is called by the target thread at its own safepoint: it
// reports whether a query is outstanding without blocking.
func (m *Mailbox) PollQuery() (*Query, bool) {
	q, _ := m.pending.Load().(*Query)
	return q, q != nil
}

// Answer runs the target thread's side of a query: mark itself
// in-signal, classify its own state, publish the answer, then block
// until Restart fires.
func (m *Mailbox) Answer(classify func() Answer) {
	atomic.StoreInt32(&m.inSignal, 1)
	a := classify()
	m.answer.Store(&a)
	<-m.restart
	atomic.StoreInt32(&m.inSignal, 0)
}

func (m *Mailbox) InSignal() bool { return atomic.LoadInt32(&m.inSignal) != 0 }

// Classify compares sp/bp against the published stack bounds, then (if
// both look in-guest) checks the prospective frame header's two magics
// to distinguish a fully-built frame from one still under construction.
func Classify(sp, bp, stackTop, stackBottom uintptr, magicsIntact func(bp uintptr) bool) State {
	inRange := func(p uintptr) bool { return p <= stackTop && p >= stackBottom }
	switch {
	case !inRange(sp) && !inRange(bp):
		return InVM
	case inRange(sp) && !inRange(bp):
		return Transitioning
	case inRange(sp) && inRange(bp):
		if magicsIntact(bp) {
			return InGuest
		}
		return FrameBeingCreated
	default:
		return Transitioning
	}
}
