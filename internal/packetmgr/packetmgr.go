// Package packetmgr implements a short-lived fingerprint cache used
// to deduplicate radio receptions: one entry per source address,
// expired after a fixed TTL by a background worker.
//
// Grounded on Homegear-HomeMaticBidCoS's BidCoSPacketManager
// (_examples/original_source/src/BidCoSPacketManager.cpp): same
// set/get/keepAlive contract, same monotonic per-entry id used to
// defend deletion against ABA races, same adaptive worker sleep
// interval. The worker scan itself is not ported verbatim — see
// Design Note (b): Go's map iteration order is randomized, so the
// original's "advance from lastPacket" cursor cannot be replicated
// faithfully; we instead scan the whole map every tick and expire
// anything older than the TTL, which still gives the required
// at-least-once-per-period guarantee without pretending to offer an
// ordering property Go maps don't have.
package packetmgr

import (
	"sync"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/metrics"
)

// TTL is how long an entry survives without being refreshed by a new
// reception or an explicit KeepAlive.
const TTL = 2000 * time.Millisecond

// Address is a BidCoS device address (u24).
type Address [3]byte

// Entry is a single cached reception.
type Entry struct {
	Packet *bidcos.Packet
	ID     uint32
	Time   time.Time
}

// Cache is a TTL cache of the most recently received packet per
// source address.
type Cache struct {
	// Now, if set, replaces time.Now for testability.
	Now func() time.Time
	// WorkerWindow is the target scan period used to derive the
	// adaptive sleep interval (spec §4.C / §6 workerThreadWindow).
	WorkerWindow time.Duration

	mu      sync.Mutex
	entries map[Address]*Entry
	nextID  uint32

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCache creates an empty cache. Call Start to run the background
// expiry worker.
func NewCache() *Cache {
	return &Cache{
		Now:          time.Now,
		WorkerWindow: time.Second,
		entries:      make(map[Address]*Entry),
	}
}

// Start launches the background worker. Start is not safe to call
// concurrently with itself or Stop.
func (c *Cache) Start() {
	if c.stopCh != nil {
		return // already running
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.worker()
}

// Stop terminates the background worker and waits for it to exit.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) worker() {
	defer close(c.doneCh)
	defer func() {
		// Worker-level panic barrier: a decode bug must not bring
		// down the whole gateway process (spec §7 propagation
		// policy).
		if r := recover(); r != nil {
			return
		}
	}()

	sleep := 1000 * time.Millisecond
	iterations := 0
	timer := time.NewTimer(sleep)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-timer.C:
		}

		iterations++
		if iterations > 100 {
			iterations = 0
			c.mu.Lock()
			n := len(c.entries)
			c.mu.Unlock()
			if n > 0 {
				packetsPerSecond := int64(n) * 1000 / int64(sleep/time.Millisecond)
				if packetsPerSecond <= 0 {
					packetsPerSecond = 1
				}
				window := c.WorkerWindow
				if window <= 0 {
					window = time.Second
				}
				timePerPacket := (window.Milliseconds() * 10) / packetsPerSecond
				if timePerPacket < 10 {
					timePerPacket = 10
				}
				sleep = time.Duration(timePerPacket) * time.Millisecond
			}
		}

		c.expireStale()
		timer.Reset(sleep)
	}
}

func (c *Cache) expireStale() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, entry := range c.entries {
		if now.Sub(entry.Time) > TTL {
			delete(c.entries, addr)
		}
	}
	metrics.PacketCacheSize.Set(float64(len(c.entries)))
}

// Set records packet as the most recently seen reception from
// address. If the cache already holds a packet that Equal()s the new
// one, the existing entry (and its id) is kept and Set reports true:
// the caller should treat this as a duplicate reception and not raise
// it to the upper layer again. Otherwise the entry is replaced, Set
// reports false, and the caller should proceed to handle the packet.
func (c *Cache) Set(addr Address, pkt *bidcos.Packet, when ...time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[addr]; ok && existing.Packet.Equal(pkt) {
		metrics.PacketCacheHits.WithLabelValues("duplicate").Inc()
		return true
	}
	metrics.PacketCacheHits.WithLabelValues("fresh").Inc()

	t := c.now()
	if len(when) > 0 {
		t = when[0]
	}
	c.nextID++
	c.entries[addr] = &Entry{
		Packet: pkt,
		ID:     c.nextID,
		Time:   t,
	}
	metrics.PacketCacheSize.Set(float64(len(c.entries)))
	return false
}

// Get returns the most recently cached packet for address, if any.
func (c *Cache) Get(addr Address) (*bidcos.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return nil, false
	}
	return e.Packet, true
}

// GetInfo returns the full cache entry for address, if any.
func (c *Cache) GetInfo(addr Address) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// KeepAlive refreshes the timestamp of address's entry, if any,
// without changing its id.
func (c *Cache) KeepAlive(addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[addr]; ok {
		e.Time = c.now()
	}
}

// Len reports the number of cached entries; exposed for metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
