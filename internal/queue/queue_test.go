package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/queue"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*bidcos.Packet
	fail error
}

func (f *fakeSender) SendPacket(pkt *bidcos.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePeer struct {
	mu              sync.Mutex
	unreachCalls    int
	sticky          bool
	alwaysListening bool
	wakeOnRadio     bool
}

func (p *fakePeer) SetUnreach(unreachable, sticky bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachCalls++
	p.sticky = sticky
}

func (p *fakePeer) AlwaysListening() bool { return p.alwaysListening }
func (p *fakePeer) WakeOnRadio() bool     { return p.wakeOnRadio }

func (p *fakePeer) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreachCalls
}

func TestPushSendsImmediatelyWhenEmpty(t *testing.T) {
	s := &fakeSender{}
	q := queue.New(s, nil, queue.TypeDefault)
	pkt := &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}
	if err := q.Push(&queue.Step{Packet: pkt, StepType: queue.StepMessage}); err != nil {
		t.Fatal(err)
	}
	if got, want := s.count(), 1; got != want {
		t.Fatalf("sent count = %d, want %d", got, want)
	}
}

func TestProcessAckAdvancesToNextStep(t *testing.T) {
	s := &fakeSender{}
	q := queue.New(s, nil, queue.TypeDefault)

	var callbackErr error
	first := &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}
	second := &bidcos.Packet{Msgcnt: 2, Dest: [3]byte{1, 2, 3}}

	q.Push(&queue.Step{Packet: first, StepType: queue.StepMessage, Callback: func(err error) { callbackErr = err }})
	q.Push(&queue.Step{Packet: second, StepType: queue.StepMessage})

	if got, want := s.count(), 1; got != want {
		t.Fatalf("before ack: sent count = %d, want %d", got, want)
	}

	if ok := q.ProcessAck(1, [3]byte{1, 2, 3}, bidcos.Ack); !ok {
		t.Fatal("expected ack to match the head step")
	}
	if callbackErr != nil {
		t.Fatalf("callback error = %v, want nil", callbackErr)
	}
	if got, want := s.count(), 2; got != want {
		t.Fatalf("after ack: sent count = %d, want %d (second step must auto-send)", got, want)
	}
}

func TestProcessAckIgnoresMismatch(t *testing.T) {
	s := &fakeSender{}
	q := queue.New(s, nil, queue.TypeDefault)
	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}, StepType: queue.StepMessage})

	if ok := q.ProcessAck(1, [3]byte{9, 9, 9}, bidcos.Ack); ok {
		t.Fatal("ack from an unrelated sender must not match")
	}
	if ok := q.ProcessAck(2, [3]byte{1, 2, 3}, bidcos.Ack); ok {
		t.Fatal("ack with the wrong message counter must not match")
	}
}

func TestRetryExhaustionMarksUnreach(t *testing.T) {
	s := &fakeSender{}
	peer := &fakePeer{alwaysListening: true}
	q := queue.New(s, peer, queue.TypeDefault)
	q.AckWindow = 5 * time.Millisecond
	q.MaxRetries = 2

	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}, StepType: queue.StepMessage})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if peer.calls() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := peer.calls(); got != 1 {
		t.Fatalf("SetUnreach calls = %d, want 1", got)
	}
	if !q.Disposed() {
		t.Fatal("queue should be disposed after exhausting retries")
	}
	// initial send + 2 retries = 3 sends total
	if got, want := s.count(), 3; got != want {
		t.Fatalf("sent count = %d, want %d", got, want)
	}
}

func TestRetryExhaustionSkipsUnreachForPairingQueue(t *testing.T) {
	s := &fakeSender{}
	peer := &fakePeer{alwaysListening: true}
	q := queue.New(s, peer, queue.TypePairing)
	q.AckWindow = 5 * time.Millisecond
	q.MaxRetries = 1

	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}, StepType: queue.StepMessage})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !q.Disposed() {
		time.Sleep(5 * time.Millisecond)
	}
	if got := peer.calls(); got != 0 {
		t.Fatalf("pairing queues must never report UNREACH: got %d calls", got)
	}
}

func TestStateChangeStepCompletesWithoutSending(t *testing.T) {
	s := &fakeSender{}
	q := queue.New(s, nil, queue.TypeDefault)

	applied := false
	q.Push(&queue.Step{StepType: queue.StepStateChange, Callback: func(error) { applied = true }})
	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}, StepType: queue.StepMessage})

	if !applied {
		t.Fatal("state-change step callback must run synchronously")
	}
	if got, want := s.count(), 1; got != want {
		t.Fatalf("sent count = %d, want %d (only the message step sends)", got, want)
	}
}

func TestWakeupStepDrainsOnReport(t *testing.T) {
	s := &fakeSender{}
	q := queue.New(s, nil, queue.TypeDefault)
	q.Push(&queue.Step{Packet: &bidcos.Packet{Cmd: bidcos.DeviceInfo}, StepType: queue.StepWakeup})

	if q.IsEmpty() {
		t.Fatal("wakeup step should remain pending until WakeupReceived")
	}
	if ok := q.WakeupReceived(); !ok {
		t.Fatal("expected WakeupReceived to drain the pending wakeup step")
	}
	if !q.IsEmpty() {
		t.Fatal("queue should be empty after the wakeup is acknowledged")
	}
}

func TestDisposeFailsPendingCallbacks(t *testing.T) {
	s := &fakeSender{}
	q := queue.New(s, nil, queue.TypeDefault)

	var errs []error
	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 1, Dest: [3]byte{1, 2, 3}}, StepType: queue.StepMessage, Callback: func(err error) { errs = append(errs, err) }})
	q.Push(&queue.Step{Packet: &bidcos.Packet{Msgcnt: 2, Dest: [3]byte{1, 2, 3}}, StepType: queue.StepMessage, Callback: func(err error) { errs = append(errs, err) }})

	q.Dispose()

	if len(errs) != 2 {
		t.Fatalf("every pending step should get a disposal callback, got %d calls", len(errs))
	}
	if errs[0] == nil {
		t.Fatal("expected a non-nil disposal error")
	}
	if err := q.Push(&queue.Step{Packet: &bidcos.Packet{}, StepType: queue.StepMessage}); err == nil {
		t.Fatal("Push after Dispose must fail")
	}
}
