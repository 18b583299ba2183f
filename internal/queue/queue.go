// Package queue implements the transmit scheduler and retry machine:
// a per-peer ordered, acknowledged-message pipeline with timing,
// retries, wake-up handling, and lifecycle GC.
//
// Grounded on Homegear-HomeMaticBidCoS's BidCoSQueue/BidCoSQueueManager
// (_examples/original_source/src/BidCoSQueueManager.cpp and the
// BidCoSQueue members referenced from BidCoSPeer.h), reworked per the
// spec's Design Notes: the back-reference from a Queue to its Peer is
// modeled as a plain interface (PeerHandle) rather than an ownership
// pointer — disposal of a Peer in the central registry does not keep
// a Queue alive, and a Queue never extends a Peer's lifetime.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/metrics"
)

// Type is the purpose of a queue, matching spec §3.
type Type int

const (
	TypeDefault Type = iota
	TypePairing
	TypeUnpairing
	TypeConfig
	TypePeer
)

// StepType distinguishes the three kinds of queue step (spec §3/§4.D).
type StepType int

const (
	StepMessage StepType = iota
	StepStateChange
	StepWakeup
)

// Sender is the minimal transport contract a Queue needs: anything
// satisfying radio.Transport already satisfies this.
type Sender interface {
	SendPacket(pkt *bidcos.Packet) error
}

// PeerHandle is the subset of Peer behavior BidCoSQueue needs to
// report failure and decide whether that failure should mark the
// peer UNREACH. It exists so this package never imports the peer
// package (which imports this one), and so a Queue's reference to
// its peer carries no ownership.
type PeerHandle interface {
	SetUnreach(unreachable, sticky bool)
	AlwaysListening() bool
	WakeOnRadio() bool
}

// Step is a single entry in a BidCoSQueue.
type Step struct {
	Packet            *bidcos.Packet
	StepType          StepType
	Callback          func(error)
	ExpectedResponses map[uint8]bool // message types that satisfy this step
}

func expects(step *Step, cmd uint8) bool {
	if len(step.ExpectedResponses) == 0 {
		return cmd == bidcos.Ack
	}
	return step.ExpectedResponses[cmd]
}

// DefaultMaxRetries is the bound on queue-level resends before a
// queue is considered failed (spec §4.D: "typical bound: 3").
const DefaultMaxRetries = 3

// DefaultAckWindow is the nominal ACK window on serial transports
// (spec §4.D/§5).
const DefaultAckWindow = 200 * time.Millisecond

// Queue is a single-peer ordered, acknowledged-message pipeline.
type Queue struct {
	// Now, if set, replaces time.Now for testability.
	Now func() time.Time
	// AckWindow overrides DefaultAckWindow (maps to the peer's
	// responseDelay configuration, spec §6).
	AckWindow time.Duration
	// MaxRetries overrides DefaultMaxRetries.
	MaxRetries int

	id        uint32
	typ       Type
	transport Sender
	peer      PeerHandle

	mu          sync.Mutex
	steps       []*Step
	retries     int
	disposed    bool
	timer       *time.Timer
	timeSending time.Time

	refs atomic.Int32 // starts at 1: the QueueManager's own reference

	lastAction *int64 // unix-millis, shared with QueueManager via atomic ops

	addrLabel string // for metrics only, set by QueueManager.CreateQueue
}

// SetAddrLabel records the peer address this queue belongs to, purely
// for metrics labeling; it carries no routing meaning here.
func (q *Queue) SetAddrLabel(addr [3]byte) {
	q.addrLabel = fmt.Sprintf("%x", addr)
}

func (q *Queue) reportDepth() {
	if q.addrLabel == "" {
		return
	}
	q.mu.Lock()
	depth := len(q.steps)
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(q.addrLabel).Set(float64(depth))
}

// New creates a queue bound to transport and, optionally, a peer
// handle used to report exhausted retries. peer may be nil for queues
// not yet associated with a known peer (e.g. pairing queues).
func New(transport Sender, peer PeerHandle, typ Type) *Queue {
	q := &Queue{
		transport:  transport,
		peer:       peer,
		typ:        typ,
		lastAction: new(int64),
	}
	q.refs.Store(1)
	q.touch()
	return q
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) ackWindow() time.Duration {
	if q.AckWindow > 0 {
		return q.AckWindow
	}
	return DefaultAckWindow
}

func (q *Queue) maxRetries() int {
	if q.MaxRetries > 0 {
		return q.MaxRetries
	}
	return DefaultMaxRetries
}

func (q *Queue) touch() {
	atomic.StoreInt64(q.lastAction, q.now().UnixMilli())
}

// ID returns the queue's manager-assigned id (0 until the manager
// assigns one).
func (q *Queue) ID() uint32 { return q.id }

// SetID is called exactly once by QueueManager.CreateQueue.
func (q *Queue) SetID(id uint32) { q.id = id }

// Type reports the queue's purpose.
func (q *Queue) Type() Type { return q.typ }

// Acquire registers an additional external reference to the queue
// (e.g. a Peer keeping it in its pending-queue chain), preventing the
// manager from reaping it even while briefly empty. Pair with
// Release.
func (q *Queue) Acquire() { q.refs.Add(1) }

// Release drops a reference registered with Acquire.
func (q *Queue) Release() { q.refs.Add(-1) }

func (q *Queue) refCount() int32 { return q.refs.Load() }

// IsEmpty reports whether the queue has no pending steps.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steps) == 0
}

// LastAction returns the last time this queue made progress, as
// unix-millis; used by QueueManager for GC.
func (q *Queue) LastAction() int64 { return atomic.LoadInt64(q.lastAction) }

// Push appends step to the back of the queue. If the queue was
// previously empty, step is sent immediately.
func (q *Queue) Push(step *Step) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return errDisposed
	}
	empty := len(q.steps) == 0
	q.steps = append(q.steps, step)
	q.mu.Unlock()
	q.touch()
	q.reportDepth()
	if empty {
		return q.sendHead()
	}
	return nil
}

// PushFront preempts the queue with step, sending it immediately
// ahead of whatever was in flight.
func (q *Queue) PushFront(step *Step) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return errDisposed
	}
	q.steps = append([]*Step{step}, q.steps...)
	q.mu.Unlock()
	q.touch()
	return q.sendHead()
}

// sendHead transmits the current head of the queue, if any.
func (q *Queue) sendHead() error {
	q.mu.Lock()
	if q.disposed || len(q.steps) == 0 {
		q.mu.Unlock()
		return nil
	}
	head := q.steps[0]
	q.mu.Unlock()

	switch head.StepType {
	case StepStateChange:
		// Applies peer-local state without sending; retires
		// immediately and advances to the next step.
		q.popAndAdvance(head)
		return nil
	case StepWakeup:
		if err := q.transport.SendPacket(head.Packet); err != nil {
			return err
		}
		q.armTimer()
		return nil
	default: // StepMessage
		return q.Send(head.Packet)
	}
}

// Send transmits pkt via the bound transport and arms the retry
// timer. It is exported so callers (and tests) can trigger an
// explicit (re)send of the current head.
func (q *Queue) Send(pkt *bidcos.Packet) error {
	if err := q.transport.SendPacket(pkt); err != nil {
		return err
	}
	q.mu.Lock()
	q.timeSending = q.now()
	q.mu.Unlock()
	q.touch()
	q.armTimer()
	return nil
}

func (q *Queue) armTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.ackWindow(), q.resend)
}

func (q *Queue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// resend is invoked by the per-queue retry timer. It re-sends the
// head step up to MaxRetries times; beyond that the queue is marked
// failed and, if applicable, the bound peer is marked UNREACH.
func (q *Queue) resend() {
	q.mu.Lock()
	if q.disposed || len(q.steps) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.steps[0]
	q.retries++
	exhausted := q.retries > q.maxRetries()
	q.mu.Unlock()

	if exhausted {
		q.fail()
		return
	}

	if err := q.transport.SendPacket(head.Packet); err != nil {
		// Transient transport error: keep retrying on the same
		// schedule rather than failing immediately.
	}
	metrics.QueueRetries.WithLabelValues(q.addrLabel).Inc()
	q.touch()
	q.armTimer()
}

// fail marks the queue as exhausted: the peer (if known and not a
// pairing queue) is reported UNREACH, and the queue is disposed.
func (q *Queue) fail() {
	q.mu.Lock()
	typ := q.typ
	q.mu.Unlock()

	if q.peer != nil && typ != TypePairing {
		q.peer.SetUnreach(true, true)
		metrics.QueueFailures.WithLabelValues(q.addrLabel).Inc()
	}
	q.Dispose()
}

// ProcessAck matches an incoming ACK (or configured response) against
// the current head. If it matches, the head is popped, its callback
// (if any) is invoked, and the next step (if any) is sent. It returns
// whether the ACK was consumed by this queue.
func (q *Queue) ProcessAck(msgCounter uint8, sender [3]byte, respCmd uint8) bool {
	q.mu.Lock()
	if q.disposed || len(q.steps) == 0 {
		q.mu.Unlock()
		return false
	}
	head := q.steps[0]
	if head.Packet == nil || head.Packet.Msgcnt != msgCounter || head.Packet.Dest != sender {
		q.mu.Unlock()
		return false
	}
	if !expects(head, respCmd) {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	q.popAndAdvance(head)
	return true
}

// WakeupReceived drains a pending StepWakeup step: once the woken
// peer reports in with any packet, the wakeup step is considered
// satisfied.
func (q *Queue) WakeupReceived() bool {
	q.mu.Lock()
	if q.disposed || len(q.steps) == 0 || q.steps[0].StepType != StepWakeup {
		q.mu.Unlock()
		return false
	}
	head := q.steps[0]
	q.mu.Unlock()
	q.popAndAdvance(head)
	return true
}

func (q *Queue) popAndAdvance(expected *Step) {
	q.mu.Lock()
	q.stopTimer()
	if len(q.steps) > 0 && q.steps[0] == expected {
		q.steps = q.steps[1:]
	}
	q.retries = 0
	q.mu.Unlock()
	q.touch()
	q.reportDepth()

	if expected.Callback != nil {
		expected.Callback(nil)
	}

	q.sendHead()
}

// KeepAlive refreshes the queue's last-action timestamp so the
// manager's GC does not reap it in the next sweep.
func (q *Queue) KeepAlive() { q.touch() }

// Dispose terminates the queue: further Push/PushFront calls fail.
func (q *Queue) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.stopTimer()
	pending := q.steps
	q.steps = nil
	q.mu.Unlock()

	for _, s := range pending {
		if s.Callback != nil {
			s.Callback(errDisposed)
		}
	}
}

// Disposed reports whether Dispose has been called.
func (q *Queue) Disposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}

type queueError string

func (e queueError) Error() string { return string(e) }

const errDisposed = queueError("queue: disposed")
