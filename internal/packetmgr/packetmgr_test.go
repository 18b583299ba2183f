package packetmgr_test

import (
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/packetmgr"
)

func TestSetDedup(t *testing.T) {
	c := packetmgr.NewCache()
	addr := packetmgr.Address{0x12, 0x34, 0x56}
	pkt := &bidcos.Packet{Msgcnt: 1, Payload: []byte{0x01}}

	if dup := c.Set(addr, pkt); dup {
		t.Fatalf("first Set must not be reported as a duplicate")
	}
	first, ok := c.GetInfo(addr)
	if !ok {
		t.Fatal("expected entry to exist")
	}

	pkt2 := &bidcos.Packet{Msgcnt: 1, Payload: []byte{0x01}} // equal by content
	if dup := c.Set(addr, pkt2); !dup {
		t.Fatalf("identical packet must be reported as a duplicate")
	}
	second, ok := c.GetInfo(addr)
	if !ok {
		t.Fatal("expected entry to still exist")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate Set must not change the entry id: got %d, want %d", second.ID, first.ID)
	}
}

func TestSetReplacesDifferentPacket(t *testing.T) {
	c := packetmgr.NewCache()
	addr := packetmgr.Address{1, 2, 3}
	c.Set(addr, &bidcos.Packet{Msgcnt: 1})
	before, _ := c.GetInfo(addr)

	c.Set(addr, &bidcos.Packet{Msgcnt: 2})
	after, _ := c.GetInfo(addr)

	if after.ID == before.ID {
		t.Fatalf("a genuinely different packet must get a new id")
	}
	got, _ := c.Get(addr)
	if got.Msgcnt != 2 {
		t.Fatalf("Get must return the latest packet: got msgcnt %d, want 2", got.Msgcnt)
	}
}

func TestExpiryAfterTTL(t *testing.T) {
	c := packetmgr.NewCache()
	now := time.Unix(1000, 0)
	c.Now = func() time.Time { return now }
	c.WorkerWindow = 50 * time.Millisecond

	addr := packetmgr.Address{9, 9, 9}
	c.Set(addr, &bidcos.Packet{Msgcnt: 5})

	c.Start()
	defer c.Stop()

	// Advance the clock past the TTL; the next worker tick (at most
	// ~1s away) must evict the entry.
	now = now.Add(packetmgr.TTL + 500*time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get(addr); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry was not expired within the deadline")
}

func TestKeepAlive(t *testing.T) {
	c := packetmgr.NewCache()
	now := time.Unix(2000, 0)
	c.Now = func() time.Time { return now }

	addr := packetmgr.Address{4, 5, 6}
	c.Set(addr, &bidcos.Packet{Msgcnt: 1})

	now = now.Add(packetmgr.TTL - time.Millisecond)
	c.KeepAlive(addr)
	entry, ok := c.GetInfo(addr)
	if !ok {
		t.Fatal("expected entry to survive KeepAlive")
	}
	if !entry.Time.Equal(now) {
		t.Fatalf("KeepAlive must refresh the timestamp: got %v, want %v", entry.Time, now)
	}
}
