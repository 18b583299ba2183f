// Package peer holds per-peer runtime state — message counters,
// interface binding, pending queues, roaming decisions — and the
// Central registry that routes received packets to the AES and queue
// layers.
//
// Grounded on Homegear-HomeMaticBidCoS's BidCoSPeer
// (_examples/original_source/src/BidCoSPeer.h): the roaming fields
// (_lastRSSIDevice, the messageCounter/rssi/interfaceId "current best"
// triple, checkForBestInterface) and the persisted-variable slot
// layout are carried over; BidCoSPeer's actual interface-switch
// reference counting on shared_ptr<IBidCoSInterface> is replaced with
// plain string interface IDs looked up through a Central-supplied
// registry, since Go has no equivalent to silently keeping an
// interface alive via a stored shared_ptr.
package peer

import (
	"sync"
	"time"
)

// Address is a BidCoS device address (u24).
type Address [3]byte

// PeerInfo is the interface-level view of a peer: the subset of state
// each RadioTransport needs to recognize and route traffic for a
// paired device, independent of Central's own bookkeeping.
type PeerInfo struct {
	Address     Address
	KeyIndex    uint8
	WakeUp      bool
	AESChannels map[uint8]bool
}

// TeamInfo describes a peer's membership in a BidCoS team (e.g.
// multi-sensor window/door contacts that share a virtual address).
type TeamInfo struct {
	Address Address
	Channel uint8
	ID      string
}

// SaveSlot identifies a persisted peer variable (spec §6 "Persisted
// state for each peer").
type SaveSlot uint8

const (
	SlotRemoteChannel     SaveSlot = 1
	SlotLocalChannel      SaveSlot = 2
	SlotCountFromSysinfo  SaveSlot = 4
	SlotMessageCounter    SaveSlot = 5
	SlotPairingComplete   SaveSlot = 6
	SlotTeamChannel       SaveSlot = 7
	SlotTeamAddress       SaveSlot = 8
	SlotTeamID            SaveSlot = 9
	SlotTeamData          SaveSlot = 10
	SlotTeamInfoExtra     SaveSlot = 21
	SlotGeneralCounter    SaveSlot = 22
)

// RoamingState tracks the data checkForBestInterface needs: the
// counter/RSSI/interface triple for the message currently being
// evaluated, and the same triple for the last completed evaluation.
type RoamingState struct {
	CurrentMsgCounter uint8
	CurrentRSSI       int8
	CurrentInterface  string
	CurrentSeenAt     time.Time

	LastMsgCounter uint8
	LastRSSI       int8
	LastInterface  string
}

// VariableToReset describes a deferred per-channel variable reset
// (spec §3 "deferred resets").
type VariableToReset struct {
	Key      uint8
	Data     []byte
	ResetAt  time.Time
	IsDomino bool
}

// QueueHandle is the subset of *queue.Queue behavior Peer needs to
// manage its pending-queue chain, kept as a local interface so this
// package does not need to import internal/queue's concrete type for
// every method (it still imports the package for Address/PeerHandle
// compatibility via duck typing — see central.go).
type QueueHandle interface {
	IsEmpty() bool
	Disposed() bool
	Acquire()
	Release()
}

// Peer holds the full runtime state for one paired device.
//
// Ownership (spec §3): a Peer is jointly referenced by the Central
// registry and by any in-flight Queue. Central holds the authoritative
// map; a Queue is handed a PeerHandle (see internal/queue.PeerHandle)
// rather than a pointer with ownership semantics, so a Queue can
// outlive its Peer being forgotten by Central without keeping that
// Peer alive — Go's GC does the rest once Central drops its map entry
// and no Queue retains the Peer itself (only the narrow interface).
type Peer struct {
	mu sync.RWMutex

	Address      Address
	SerialNumber string
	ID           uint64

	MessageCounter uint8 // outbound
	GeneralCounter uint8

	AESKeyIndex         uint8
	AESChannels         map[uint8]bool
	PhysicalInterfaceID string
	RemoteChannel       uint8
	Team                TeamInfo

	PendingQueues []QueueHandle
	ValuePending  bool

	Roaming RoamingState

	ResetVars map[uint8]VariableToReset

	Unreachable bool
	unreachSticky bool

	roamingEnabled bool
	alwaysListening bool
	wakeOnRadio     bool

	Now func() time.Time
}

// New creates a Peer for addr, bound to physicalInterfaceID as its
// initial radio interface.
func New(addr Address, physicalInterfaceID string) *Peer {
	return &Peer{
		Address:             addr,
		PhysicalInterfaceID: physicalInterfaceID,
		AESChannels:         make(map[uint8]bool),
		ResetVars:           make(map[uint8]VariableToReset),
		Now:                 time.Now,
	}
}

// SetAESChannel enables or disables AES-protected writes on channel.
func (p *Peer) SetAESChannel(channel uint8, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		p.AESChannels[channel] = true
	} else {
		delete(p.AESChannels, channel)
	}
}

func (p *Peer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// SetRoamingEnabled configures whether checkForBestInterface is
// allowed to actually switch PhysicalInterfaceID (spec §4.E / §6
// ROAMING config key); when false, roaming observations are recorded
// but never applied.
func (p *Peer) SetRoamingEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roamingEnabled = enabled
}

// SetListenProfile records whether this peer is an always-listening
// device or a wake-on-radio device; through queue.PeerHandle the queue
// manager uses these to decide whether reaping a queue that still has
// pending steps marks the peer UNREACH.
func (p *Peer) SetListenProfile(alwaysListening, wakeOnRadio bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alwaysListening = alwaysListening
	p.wakeOnRadio = wakeOnRadio
}

// AlwaysListening implements internal/queue.PeerHandle.
func (p *Peer) AlwaysListening() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.alwaysListening
}

// WakeOnRadio implements internal/queue.PeerHandle.
func (p *Peer) WakeOnRadio() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wakeOnRadio
}

// SetUnreach implements internal/queue.PeerHandle: marks the peer
// reachable/unreachable. sticky records that the mark came from
// exhausted queue retries; any SetUnreach(false, ...) clears the mark,
// sticky or not, as does MarkReachable.
func (p *Peer) SetUnreach(unreachable, sticky bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !unreachable {
		p.Unreachable = false
		p.unreachSticky = false
		return
	}
	p.Unreachable = true
	if sticky {
		p.unreachSticky = true
	}
}

// MarkReachable clears UNREACH unconditionally, including a sticky
// mark; called when a packet is actually received from the peer.
func (p *Peer) MarkReachable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Unreachable = false
	p.unreachSticky = false
}

// IsUnreachable reports the current UNREACH state.
func (p *Peer) IsUnreachable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Unreachable
}

// NextMessageCounter returns and increments the outbound message
// counter, wrapping mod 256 as BidCoS requires.
func (p *Peer) NextMessageCounter() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.MessageCounter
	p.MessageCounter++
	return c
}

// counterWrapped reports whether newCounter represents a wrap-around
// relative to lastCounter: "a wrap is detected when the new counter
// is lower than the last by more than 128" (spec §4.E).
func counterWrapped(last, newCounter uint8) bool {
	if newCounter >= last {
		return false
	}
	return int(last)-int(newCounter) > 128
}

// CheckForBestInterface records a reception of messageCounter on
// interfaceID with the given RSSI, keeping the strongest report for
// this message counter; ties are broken in favor of the interface
// that reported first (spec §4.E). The winner is applied (if ROAMING
// is enabled, PhysicalInterfaceID switches to it) when the window is
// finalized: on the next message counter, or by FlushRoaming.
//
// RSSI in BidCoS is a negative dBm value; "strongest" is the value
// closest to zero, i.e. the smaller absolute value.
func (p *Peer) CheckForBestInterface(interfaceID string, rssi int8, messageCounter uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	if p.Roaming.CurrentInterface != "" && messageCounter == p.Roaming.CurrentMsgCounter {
		// Same counter as the in-progress evaluation: compare RSSI,
		// keep the stronger (smaller absolute value); first arrival
		// wins ties.
		if absInt8(rssi) < absInt8(p.Roaming.CurrentRSSI) {
			p.Roaming.CurrentRSSI = rssi
			p.Roaming.CurrentInterface = interfaceID
			p.Roaming.CurrentSeenAt = now
		}
		return
	}

	// New evaluation window: finalize the previous one (if any) into
	// Last*, then start tracking this counter.
	if p.Roaming.CurrentInterface != "" {
		p.Roaming.LastMsgCounter = p.Roaming.CurrentMsgCounter
		p.Roaming.LastRSSI = p.Roaming.CurrentRSSI
		p.Roaming.LastInterface = p.Roaming.CurrentInterface
		if p.roamingEnabled {
			p.PhysicalInterfaceID = p.Roaming.LastInterface
		}
	}

	p.Roaming.CurrentMsgCounter = messageCounter
	p.Roaming.CurrentRSSI = rssi
	p.Roaming.CurrentInterface = interfaceID
	p.Roaming.CurrentSeenAt = now
}

// FlushRoaming finalizes whatever evaluation window is currently open
// (used when the caller knows no further interface will report on
// this message counter — e.g. before sending the next outbound step).
func (p *Peer) FlushRoaming() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Roaming.CurrentInterface == "" {
		return
	}
	p.Roaming.LastMsgCounter = p.Roaming.CurrentMsgCounter
	p.Roaming.LastRSSI = p.Roaming.CurrentRSSI
	p.Roaming.LastInterface = p.Roaming.CurrentInterface
	if p.roamingEnabled {
		p.PhysicalInterfaceID = p.Roaming.LastInterface
	}
	p.Roaming.CurrentInterface = ""
}

// MessageCounterWrapped reports whether newCounter is a wrap-around
// of the last inbound counter recorded by roaming (spec §4.E, §8
// boundary case: "Message-counter wrap 0xFF -> 0x00 must not be
// treated as a replay"). Central.Route does not call it; it is
// exported for callers that tell a wrap from stale traffic.
func (p *Peer) MessageCounterWrapped(newCounter uint8) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return counterWrapped(p.Roaming.LastMsgCounter, newCounter)
}

func absInt8(v int8) int8 {
	if v == -128 {
		return 127
	}
	if v < 0 {
		return -v
	}
	return v
}

// AddPendingQueue registers q as a queue this peer has outstanding
// work in, acquiring an external reference so QueueManager's reaper
// does not collect it out from under a still-relevant peer.
func (p *Peer) AddPendingQueue(q QueueHandle) {
	q.Acquire()
	p.mu.Lock()
	p.PendingQueues = append(p.PendingQueues, q)
	p.mu.Unlock()
}

// PruneDisposedQueues drops any pending queues that have since been
// disposed, releasing their references.
func (p *Peer) PruneDisposedQueues() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.PendingQueues[:0]
	for _, q := range p.PendingQueues {
		if q.Disposed() {
			q.Release()
			continue
		}
		kept = append(kept, q)
	}
	p.PendingQueues = kept
}

// ScheduleReset records a deferred per-channel variable reset.
func (p *Peer) ScheduleReset(v VariableToReset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResetVars[v.Key] = v
}

// DueResets returns and clears all scheduled resets whose ResetAt has
// elapsed.
func (p *Peer) DueResets() []VariableToReset {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var due []VariableToReset
	for key, v := range p.ResetVars {
		if !v.ResetAt.After(now) {
			due = append(due, v)
			delete(p.ResetVars, key)
		}
	}
	return due
}

// Info returns the interface-level PeerInfo view of this peer, for
// handing to a RadioTransport's AddPeer.
func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	aes := make(map[uint8]bool, len(p.AESChannels))
	for ch := range p.AESChannels {
		aes[ch] = true
	}
	return PeerInfo{
		Address:     p.Address,
		KeyIndex:    p.AESKeyIndex,
		WakeUp:      p.wakeOnRadio,
		AESChannels: aes,
	}
}
