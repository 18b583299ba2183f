package queue_test

import (
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/queue"
)

func TestCreateQueueAssignsIncreasingIDs(t *testing.T) {
	m := queue.NewManager()
	s := &fakeSender{}
	addr := queue.Address{1, 2, 3}

	q1 := m.CreateQueue(addr, s, nil, queue.TypeDefault)
	q2 := m.CreateQueue(addr, s, nil, queue.TypeDefault)

	if q2.ID() <= q1.ID() {
		t.Fatalf("expected strictly increasing ids: got %d then %d", q1.ID(), q2.ID())
	}
	if !q1.Disposed() {
		t.Fatal("recreating a queue for the same address must dispose the old one")
	}
	if got, ok := m.Get(addr); !ok || got != q2 {
		t.Fatal("manager must track the latest queue for the address")
	}
}

func TestReapIdleEmptyQueue(t *testing.T) {
	m := queue.NewManager()
	m.TickInterval = 10 * time.Millisecond
	m.IdleGrace = 20 * time.Millisecond
	m.BorrowedGrace = time.Hour

	s := &fakeSender{}
	addr := queue.Address{4, 5, 6}
	m.CreateQueue(addr, s, nil, queue.TypeDefault)

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(addr); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle empty queue was not reaped within the deadline")
}

func TestReapSkipsNonEmptyQueueWithinGrace(t *testing.T) {
	m := queue.NewManager()
	m.TickInterval = 5 * time.Millisecond
	m.IdleGrace = time.Hour // never idle-eligible within this test's window
	m.BorrowedGrace = time.Hour

	s := &fakeSender{fail: errFakeSendFailure}
	peer := &fakePeer{alwaysListening: true}
	addr := queue.Address{7, 8, 9}
	q := m.CreateQueue(addr, s, peer, queue.TypeDefault)
	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 1, Dest: [3]byte(addr)}, StepType: queue.StepMessage})

	time.Sleep(100 * time.Millisecond)
	m.Start()
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	if _, ok := m.Get(addr); !ok {
		t.Fatal("a non-empty, recently active queue must not be reaped")
	}
}

func TestReapPostponesWhileBorrowed(t *testing.T) {
	m := queue.NewManager()
	m.TickInterval = 5 * time.Millisecond
	m.IdleGrace = 5 * time.Millisecond
	m.BorrowedGrace = 200 * time.Millisecond

	s := &fakeSender{}
	addr := queue.Address{1, 1, 1}
	q := m.CreateQueue(addr, s, nil, queue.TypeDefault)
	q.Acquire() // external reference, e.g. held by a peer's pending-queue chain

	m.Start()
	defer m.Stop()

	time.Sleep(80 * time.Millisecond)
	if _, ok := m.Get(addr); !ok {
		t.Fatal("a borrowed queue must not be reaped before BorrowedGrace elapses")
	}

	q.Release()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(addr); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue was not reaped after its external reference was released")
}

type sendFailure string

func (e sendFailure) Error() string { return string(e) }

const errFakeSendFailure = sendFailure("fake transport failure")
