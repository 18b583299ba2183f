package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/metrics"
	"github.com/stapelberg/bidcosgw/internal/packetmgr"
	"github.com/stapelberg/bidcosgw/internal/queue"
)

// AESEngine is the subset of *aes.Handshake's behavior Central needs:
// deciding whether a received frame is handshake traffic to be
// consumed here rather than delivered upward, and signing outgoing
// writes that require it. Declared locally rather than importing
// internal/aes so this package stays free of aes's internal types;
// *aes.Handshake satisfies this interface structurally.
type AESEngine interface {
	HandleReceived(peerAddr [3]byte, pkt *bidcos.Packet) (deliver *bidcos.Packet, reply *bidcos.Packet, consumed bool, err error)
	WrapOutgoing(peerAddr [3]byte, pkt *bidcos.Packet) (*bidcos.Packet, error)
}

// TransportSender is the subset of internal/radio.Transport Central
// needs to route outgoing packets and drive pairing.
type TransportSender interface {
	SendPacket(pkt *bidcos.Packet) error
	AddPeer(info PeerInfo) error
	RemovePeer(addr Address) error
	ID() string
}

// Store persists the peer population across restarts. Explicitly
// ambient, not core (spec §1): a minimal JSON-file implementation
// backs cmd/bidcosgwd, see jsonstore.go.
type Store interface {
	LoadPeers() ([]*Peer, error)
	SavePeers([]*Peer) error
}

var (
	ErrUnknownPeer      = errors.New("peer not registered with central")
	ErrUnknownInterface = errors.New("interface not registered with central")
	ErrAlreadyPaired    = errors.New("address already paired")
)

// Central is the peer registry and routing hub — component E. It
// holds one Peer per paired address, owns the shared QueueManager and
// PacketManager cache, and implements the control flow from spec
// §4.E: a reception arrives already deduplicated by C, Central updates
// roaming/reachability and hands the frame to the AES layer (B) and
// then to the bound queue's ack matcher (D).
type Central struct {
	mu         sync.RWMutex
	peers      map[Address]*Peer
	transports map[string]TransportSender

	Queues *queue.Manager
	Cache  *packetmgr.Cache
	AES    AESEngine
}

// NewCentral creates a Central bound to the given (already running)
// QueueManager and PacketManager cache.
func NewCentral(queues *queue.Manager, cache *packetmgr.Cache) *Central {
	return &Central{
		peers:      make(map[Address]*Peer),
		transports: make(map[string]TransportSender),
		Queues:     queues,
		Cache:      cache,
	}
}

// RegisterTransport makes t available as a send target for peers
// whose PhysicalInterfaceID equals t.ID().
func (c *Central) RegisterTransport(t TransportSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[t.ID()] = t
}

// AddPeer registers p, replacing any existing peer at the same
// address.
func (c *Central) AddPeer(p *Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.Address] = p
}

// RemovePeer forgets addr. Any queue still pending for addr is left
// to the QueueManager's own GC; Central does not reach in and dispose
// it, since a Queue's lifetime is independent of Central's registry
// (see the ownership note on Peer).
func (c *Central) RemovePeer(addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, addr)
}

// Peer returns the registered peer for addr, if any.
func (c *Central) Peer(addr Address) (*Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[addr]
	return p, ok
}

// Peers returns a snapshot of all registered peers, for persistence.
func (c *Central) Peers() []*Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Route handles one deduplicated reception: it records the roaming
// observation, marks the peer reachable, offers the frame to the AES
// engine (which may consume it entirely, e.g. a c-frame challenge),
// and matches the frame against the peer's queue as an ACK/response.
// It returns the packet to deliver to the device layer, or nil if the
// frame was fully consumed by the AES handshake.
func (c *Central) Route(interfaceID string, rssi int8, pkt *bidcos.Packet) (*bidcos.Packet, error) {
	addr := Address(pkt.Source)
	p, ok := c.Peer(addr)
	if !ok {
		return nil, fmt.Errorf("peer %x: %w", pkt.Source, ErrUnknownPeer)
	}

	p.CheckForBestInterface(interfaceID, rssi, pkt.Msgcnt)
	p.MarkReachable()

	metrics.InterfaceRSSI.WithLabelValues(interfaceID).Observe(float64(rssi))
	metrics.PacketsDecoded.WithLabelValues(interfaceID, fmt.Sprintf("%#x", pkt.Cmd)).Inc()
	metrics.LastContact.WithLabelValues(fmt.Sprintf("%x", pkt.Source), fmt.Sprint(p.ID)).Set(float64(p.now().Unix()))

	deliver := pkt
	if c.AES != nil {
		d, reply, consumed, err := c.AES.HandleReceived(addr, pkt)
		if err != nil {
			return nil, fmt.Errorf("aes handshake: %w", err)
		}
		if reply != nil {
			c.mu.RLock()
			transport, ok := c.transports[interfaceID]
			c.mu.RUnlock()
			if ok {
				if err := transport.SendPacket(reply); err != nil {
					return nil, fmt.Errorf("aes handshake: sending reply: %w", err)
				}
			}
		}
		if consumed {
			return d, nil
		}
		deliver = d
	}

	if q, ok := c.Queues.Get(queue.Address(addr)); ok {
		q.ProcessAck(pkt.Msgcnt, pkt.Source, pkt.Cmd)
	}

	return deliver, nil
}

// Send transmits pkt to addr via its currently bound interface,
// enqueuing a single message step on that peer's queue (creating the
// queue if this is the first outstanding step). expect, if non-nil,
// overrides which response command(s) satisfy the step; nil means
// "a plain ACK". done, if non-nil, is invoked once the step completes
// or the queue disposes it.
func (c *Central) Send(addr Address, pkt *bidcos.Packet, expect map[uint8]bool, done func(error)) error {
	p, ok := c.Peer(addr)
	if !ok {
		return fmt.Errorf("peer %x: %w", addr, ErrUnknownPeer)
	}

	c.mu.RLock()
	transport, ok := c.transports[p.PhysicalInterfaceID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("interface %q: %w", p.PhysicalInterfaceID, ErrUnknownInterface)
	}

	out := pkt
	if c.AES != nil && len(p.AESChannels) > 0 {
		wrapped, err := c.AES.WrapOutgoing(addr, out)
		if err != nil {
			return fmt.Errorf("aes wrap: %w", err)
		}
		out = wrapped
	}

	q := c.Queues.GetOrCreate(queue.Address(addr), transport, p)
	p.AddPendingQueue(q)
	return q.Push(&queue.Step{
		Packet:            out,
		StepType:          queue.StepMessage,
		Callback:          done,
		ExpectedResponses: expect,
	})
}

// HandlePairingRequest is the minimal pairing policy the daemon needs
// to become operational end to end (spec §1: not core business logic,
// only enough to exercise queue.TypePairing). It registers a fresh
// Peer for addr on interfaceID, tells the transport about it so
// subsequent receptions are recognized, and returns the new Peer. Any
// richer pairing flow (device-description negotiation, multi-channel
// config exchange) is out of scope.
func (c *Central) HandlePairingRequest(addr Address, serialNumber, interfaceID string, transport TransportSender) (*Peer, error) {
	c.mu.Lock()
	if _, exists := c.peers[addr]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("address %x: %w", addr, ErrAlreadyPaired)
	}
	c.mu.Unlock()

	p := New(addr, interfaceID)
	p.SerialNumber = serialNumber

	if err := transport.AddPeer(p.Info()); err != nil {
		return nil, fmt.Errorf("registering peer with transport %s: %w", transport.ID(), err)
	}

	c.AddPeer(p)
	return p, nil
}
