// Package resend implements the transport-level auto-resend timer
// described in spec §4.A, "Retransmission scheduling": on sendPacket,
// the transport queues two resends of the same packet at +200ms and
// +400ms; a matching ACK from the destination cancels all pending
// resends; an AES c-frame from the destination reschedules them to
// the original send time +600ms/+1200ms to cover handshake latency.
//
// Shared by internal/radio/cul and internal/radio/coc, the two serial
// transports that report Capabilities.AutoResend == true.
package resend

import (
	"log"
	"sync"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

// Sender retransmits pkt without going through the owning transport's
// normal SendPacket path (which would re-Schedule and recurse).
type Sender interface {
	Resend(pkt *bidcos.Packet) error
}

type pending struct {
	pkt    *bidcos.Packet
	sentAt time.Time
	timers []*time.Timer
}

// Scheduler tracks at most one outstanding auto-resend cycle per
// destination address.
type Scheduler struct {
	sender Sender
	logger *log.Logger

	mu      sync.Mutex
	pending map[[3]byte]*pending
}

func New(sender Sender, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{sender: sender, logger: logger, pending: make(map[[3]byte]*pending)}
}

// Schedule replaces any prior resend cycle for pkt.Dest with a fresh
// one: resends at now+200ms and now+400ms.
func (s *Scheduler) Schedule(pkt *bidcos.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(pkt.Dest)
	p := &pending{pkt: pkt, sentAt: time.Now()}
	p.timers = []*time.Timer{
		time.AfterFunc(200*time.Millisecond, func() { s.fire(pkt.Dest) }),
		time.AfterFunc(400*time.Millisecond, func() { s.fire(pkt.Dest) }),
	}
	s.pending[pkt.Dest] = p
}

func (s *Scheduler) fire(dest [3]byte) {
	s.mu.Lock()
	p, ok := s.pending[dest]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.sender.Resend(p.pkt); err != nil {
		s.logger.Printf("resend: retransmitting to %x: %v", dest, err)
	}
}

// Cancel drops all pending resends for src, on a matching ACK from
// that destination.
func (s *Scheduler) Cancel(src [3]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(src)
}

func (s *Scheduler) cancelLocked(addr [3]byte) {
	if p, ok := s.pending[addr]; ok {
		for _, t := range p.timers {
			t.Stop()
		}
		delete(s.pending, addr)
	}
}

// Reschedule replaces any pending resends for src with a pair at the
// original send time +600ms/+1200ms, on an AES c-frame received from
// that destination (covers handshake latency, spec §4.A).
func (s *Scheduler) Reschedule(src [3]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[src]
	if !ok {
		return
	}
	for _, t := range p.timers {
		t.Stop()
	}
	delay600 := p.sentAt.Add(600 * time.Millisecond).Sub(time.Now())
	delay1200 := p.sentAt.Add(1200 * time.Millisecond).Sub(time.Now())
	if delay600 < 0 {
		delay600 = 0
	}
	if delay1200 < 0 {
		delay1200 = 0
	}
	p.timers = []*time.Timer{
		time.AfterFunc(delay600, func() { s.fire(src) }),
		time.AfterFunc(delay1200, func() { s.fire(src) }),
	}
}

// Stop cancels every pending resend cycle, e.g. on StopListening.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr := range s.pending {
		s.cancelLocked(addr)
	}
}
