package queue

import (
	"sync"
	"time"
)

// Address is a BidCoS device address (u24), duplicated here rather
// than imported from internal/peer to keep this package peer-free.
type Address [3]byte

// DefaultTickInterval is how often the manager sweeps for reapable
// queues (spec §4.D: "Worker tick: 100ms").
const DefaultTickInterval = 100 * time.Millisecond

// DefaultIdleGrace is how long a queue that still holds steps must sit
// idle before it becomes eligible for reaping; an empty queue is
// eligible at once (spec: "lastAction+3000ms").
const DefaultIdleGrace = 3000 * time.Millisecond

// DefaultBorrowedGrace is the maximum time a queue with outstanding
// external references (refCount > 1) is allowed to postpone reaping
// (spec: "postponement bounded at 20s").
const DefaultBorrowedGrace = 20000 * time.Millisecond

type entry struct {
	id    uint32
	queue *Queue
}

// Manager owns one Queue per peer address and reaps idle ones in the
// background. Grounded on BidCoSQueueManager
// (_examples/original_source/src/BidCoSQueueManager.cpp): resetQueue's
// id-match guard, emptiness + grace-period check, and the
// use_count-driven postponement are preserved; the C++ round-robin
// cursor over a std::map is replaced with a full sweep per tick since
// Go gives no equivalent ordering guarantee over a map (same class of
// deviation as internal/packetmgr's worker, and for the same reason).
type Manager struct {
	// Now, if set, replaces time.Now for testability.
	Now func() time.Time
	// TickInterval overrides DefaultTickInterval.
	TickInterval time.Duration
	// IdleGrace overrides DefaultIdleGrace.
	IdleGrace time.Duration
	// BorrowedGrace overrides DefaultBorrowedGrace.
	BorrowedGrace time.Duration

	mu      sync.Mutex
	byAddr  map[Address]*entry
	nextID  uint32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates an empty queue manager. Call Start to run the
// background reaper.
func NewManager() *Manager {
	return &Manager{
		Now:    time.Now,
		byAddr: make(map[Address]*entry),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CreateQueue creates (or replaces) the queue for addr, assigning it
// a strictly-increasing id (spec §8 invariant: "QueueManager[a].id is
// strictly increasing across creations"). Any previous queue for addr
// is disposed.
func (m *Manager) CreateQueue(addr Address, transport Sender, peer PeerHandle, typ Type) *Queue {
	q := New(transport, peer, typ)
	q.SetAddrLabel(addr)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	q.SetID(id)
	old := m.byAddr[addr]
	m.byAddr[addr] = &entry{id: id, queue: q}
	m.mu.Unlock()

	if old != nil {
		old.queue.Dispose()
	}
	return q
}

// Get returns the current queue for addr, if any, and whether it was
// found.
func (m *Manager) Get(addr Address) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byAddr[addr]
	if !ok {
		return nil, false
	}
	return e.queue, true
}

// GetOrCreate returns the existing queue for addr, or creates a fresh
// TypeDefault queue bound to transport/peer if none exists.
func (m *Manager) GetOrCreate(addr Address, transport Sender, peer PeerHandle) *Queue {
	if q, ok := m.Get(addr); ok {
		return q
	}
	return m.CreateQueue(addr, transport, peer, TypeDefault)
}

// Start launches the background reaper. Not safe to call concurrently
// with itself or Stop.
func (m *Manager) Start() {
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.worker()
}

// Stop terminates the background reaper and waits for it to exit.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
}

func (m *Manager) tickInterval() time.Duration {
	if m.TickInterval > 0 {
		return m.TickInterval
	}
	return DefaultTickInterval
}

func (m *Manager) worker() {
	defer close(m.doneCh)
	defer func() {
		// Worker-level panic barrier (spec §7): a bug reaping one
		// queue must not take the whole gateway's transmit path down.
		recover()
	}()

	ticker := time.NewTicker(m.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		m.sweep()
	}
}

// sweep snapshots all (addr, id) pairs and spawns one reset attempt
// per candidate in its own goroutine: resetQueue's disposal path can
// itself trigger re-enqueuing (e.g. peer.SetUnreach persisting state
// through a config queue), so it must never run on the tick
// goroutine's stack.
func (m *Manager) sweep() {
	m.mu.Lock()
	candidates := make([]struct {
		addr Address
		id   uint32
	}, 0, len(m.byAddr))
	for addr, e := range m.byAddr {
		candidates = append(candidates, struct {
			addr Address
			id   uint32
		}{addr, e.id})
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(addr Address, id uint32) {
			defer wg.Done()
			defer func() { recover() }()
			m.resetQueue(addr, id)
		}(c.addr, c.id)
	}
	wg.Wait()
}

func (m *Manager) idleGrace() time.Duration {
	if m.IdleGrace > 0 {
		return m.IdleGrace
	}
	return DefaultIdleGrace
}

func (m *Manager) borrowedGrace() time.Duration {
	if m.BorrowedGrace > 0 {
		return m.BorrowedGrace
	}
	return DefaultBorrowedGrace
}

// resetQueue reaps the queue registered under addr if, and only if,
// it is still the queue that was assigned id, it is empty or has gone
// idle for at least idleGrace, and it is not being kept alive by an external
// reference within borrowedGrace. Matches BidCoSQueueManager::resetQueue.
func (m *Manager) resetQueue(addr Address, id uint32) {
	m.mu.Lock()
	e, ok := m.byAddr[addr]
	if !ok || e.id != id {
		// Recreated or removed since the sweep snapshot: nothing to do.
		m.mu.Unlock()
		return
	}
	q := e.queue
	m.mu.Unlock()

	now := m.now()
	lastAction := time.UnixMilli(q.LastAction())

	if !q.IsEmpty() && now.Sub(lastAction) < m.idleGrace() {
		return
	}

	if q.refCount() > 1 && now.Sub(lastAction) < m.borrowedGrace() {
		return
	}

	// Decide whether disposal should report the peer UNREACH before
	// we remove the map entry: this mirrors the original's "capture
	// now, act after releasing the queue map lock" ordering, which
	// exists specifically so SetUnreach (which may itself touch
	// queues) cannot deadlock against the map lock.
	needsUnreach := !q.IsEmpty() && q.typ != TypePairing && q.peer != nil &&
		(q.peer.AlwaysListening() || q.peer.WakeOnRadio())

	m.mu.Lock()
	if cur, ok := m.byAddr[addr]; ok && cur.id == id {
		delete(m.byAddr, addr)
	}
	m.mu.Unlock()

	q.Dispose()

	if needsUnreach {
		q.peer.SetUnreach(true, true)
	}
}

// Len reports the number of live queues; exposed for metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAddr)
}
