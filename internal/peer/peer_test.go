package peer_test

import (
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/peer"
)

func TestRoamingSwitchesToStrongerSignal(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	p.SetRoamingEnabled(true)

	p.CheckForBestInterface("cul0", -60, 0x17)
	p.CheckForBestInterface("cul1", -50, 0x17) // stronger signal, same counter

	// Next counter finalizes the previous evaluation window.
	p.CheckForBestInterface("cul1", -70, 0x18)

	if got, want := p.PhysicalInterfaceID, "cul1"; got != want {
		t.Fatalf("PhysicalInterfaceID = %q, want %q", got, want)
	}
}

func TestRoamingDisabledRecordsButDoesNotSwitch(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	// roaming left disabled (default)

	p.CheckForBestInterface("cul0", -60, 0x17)
	p.CheckForBestInterface("cul1", -50, 0x17)
	p.CheckForBestInterface("cul1", -70, 0x18)

	if got, want := p.PhysicalInterfaceID, "cul0"; got != want {
		t.Fatalf("PhysicalInterfaceID = %q, want %q (unchanged while ROAMING=false)", got, want)
	}
	if got, want := p.Roaming.LastInterface, "cul1"; got != want {
		t.Fatalf("Roaming.LastInterface = %q, want %q (observation still recorded)", got, want)
	}
}

func TestRoamingTieBreaksToEarlierArrival(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	p.SetRoamingEnabled(true)

	p.CheckForBestInterface("cul0", -60, 0x17)
	p.CheckForBestInterface("cul1", -60, 0x17) // exact tie: must not override
	p.CheckForBestInterface("cul1", 0, 0x18)   // finalize

	if got, want := p.PhysicalInterfaceID, "cul0"; got != want {
		t.Fatalf("PhysicalInterfaceID = %q, want %q (tie must favor earlier arrival)", got, want)
	}
}

func TestMessageCounterWrapDetection(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	p.CheckForBestInterface("cul0", -50, 0xFE)
	p.FlushRoaming()

	if p.MessageCounterWrapped(0xFD) {
		t.Fatal("a small decrease must not be reported as a wrap")
	}
	// A drop from 0xFF to 0x00 is 255, well past the 128 threshold,
	// so it is a wrap.
	p2 := peer.New(peer.Address{4, 5, 6}, "cul0")
	p2.CheckForBestInterface("cul0", -50, 0xFF)
	p2.FlushRoaming()
	if !p2.MessageCounterWrapped(0x00) {
		t.Fatal("0xFF -> 0x00 must be detected as a wrap")
	}
}

func TestUnreachStickyRequiresExplicitClear(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	p.SetUnreach(true, true)
	if !p.IsUnreachable() {
		t.Fatal("expected peer to be marked unreachable")
	}

	p.SetUnreach(false, false)
	if p.IsUnreachable() {
		t.Fatal("a plain SetUnreach(false, false) must be able to clear the mark")
	}

	p.SetUnreach(true, true)
	p.MarkReachable()
	if p.IsUnreachable() {
		t.Fatal("MarkReachable must clear even a sticky mark")
	}
}

func TestPendingQueueLifecycleReleasesReferences(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	q := &fakeQueue{}
	p.AddPendingQueue(q)

	if q.acquired != 1 {
		t.Fatalf("AddPendingQueue must Acquire a reference, got %d calls", q.acquired)
	}

	q.disposed = true
	p.PruneDisposedQueues()

	if q.released != 1 {
		t.Fatalf("PruneDisposedQueues must Release a disposed queue's reference, got %d calls", q.released)
	}
	if len(p.PendingQueues) != 0 {
		t.Fatal("disposed queue should have been dropped from PendingQueues")
	}
}

func TestDueResetsClearsOnlyElapsedEntries(t *testing.T) {
	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	now := time.Unix(1000, 0)
	p.Now = func() time.Time { return now }

	p.ScheduleReset(peer.VariableToReset{Key: 1, ResetAt: now.Add(-time.Second)})
	p.ScheduleReset(peer.VariableToReset{Key: 2, ResetAt: now.Add(time.Hour)})

	due := p.DueResets()
	if len(due) != 1 || due[0].Key != 1 {
		t.Fatalf("expected only key 1 to be due, got %+v", due)
	}
	if _, ok := p.ResetVars[2]; !ok {
		t.Fatal("future reset must remain scheduled")
	}
}

type fakeQueue struct {
	disposed bool
	acquired int
	released int
}

func (q *fakeQueue) IsEmpty() bool  { return true }
func (q *fakeQueue) Disposed() bool { return q.disposed }
func (q *fakeQueue) Acquire()       { q.acquired++ }
func (q *fakeQueue) Release()       { q.released++ }
