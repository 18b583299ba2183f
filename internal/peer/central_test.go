package peer_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/packetmgr"
	"github.com/stapelberg/bidcosgw/internal/peer"
	"github.com/stapelberg/bidcosgw/internal/queue"
)

type fakeTransport struct {
	id   string
	mu   sync.Mutex
	sent []*bidcos.Packet
	peers []peer.PeerInfo
}

func (t *fakeTransport) SendPacket(pkt *bidcos.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, pkt)
	return nil
}
func (t *fakeTransport) AddPeer(info peer.PeerInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append(t.peers, info)
	return nil
}
func (t *fakeTransport) RemovePeer(addr peer.Address) error { return nil }
func (t *fakeTransport) ID() string                         { return t.id }

func newTestCentral() (*peer.Central, *fakeTransport) {
	qm := queue.NewManager()
	cache := packetmgr.NewCache()
	c := peer.NewCentral(qm, cache)
	tr := &fakeTransport{id: "cul0"}
	c.RegisterTransport(tr)
	return c, tr
}

func TestHandlePairingRequestRegistersPeerAndTransport(t *testing.T) {
	c, tr := newTestCentral()
	addr := peer.Address{1, 2, 3}

	p, err := c.HandlePairingRequest(addr, "SN123", "cul0", tr)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := c.Peer(addr); !ok || got != p {
		t.Fatal("HandlePairingRequest must register the peer with Central")
	}
	if len(tr.peers) != 1 || tr.peers[0].Address != addr {
		t.Fatalf("expected the transport to learn about the new peer, got %+v", tr.peers)
	}

	if _, err := c.HandlePairingRequest(addr, "SN123", "cul0", tr); !errors.Is(err, peer.ErrAlreadyPaired) {
		t.Fatalf("expected ErrAlreadyPaired on re-pairing, got %v", err)
	}
}

func TestSendRoutesToBoundInterface(t *testing.T) {
	c, tr := newTestCentral()
	addr := peer.Address{1, 2, 3}
	if _, err := c.HandlePairingRequest(addr, "SN123", "cul0", tr); err != nil {
		t.Fatal(err)
	}

	pkt := &bidcos.Packet{Msgcnt: 1, Dest: addr}
	if err := c.Send(addr, pkt, nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected the packet to be sent via cul0, got %d sends", len(tr.sent))
	}
}

func TestSendUnknownPeerFails(t *testing.T) {
	c, _ := newTestCentral()
	err := c.Send(peer.Address{9, 9, 9}, &bidcos.Packet{}, nil, nil)
	if !errors.Is(err, peer.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestRouteUpdatesRoamingAndMatchesAck(t *testing.T) {
	c, tr := newTestCentral()
	addr := peer.Address{1, 2, 3}
	p, err := c.HandlePairingRequest(addr, "SN123", "cul0", tr)
	if err != nil {
		t.Fatal(err)
	}
	p.SetRoamingEnabled(true)

	if err := c.Send(addr, &bidcos.Packet{Msgcnt: 5, Dest: addr}, nil, nil); err != nil {
		t.Fatal(err)
	}

	ackPkt := &bidcos.Packet{Msgcnt: 5, Cmd: bidcos.Ack, Source: addr}
	if _, err := c.Route("cul0", -55, ackPkt); err != nil {
		t.Fatal(err)
	}

	q, ok := c.Queues.Get(queue.Address(addr))
	if !ok {
		t.Fatal("expected a queue to exist for the peer")
	}
	if !q.IsEmpty() {
		t.Fatal("the ack should have drained the queued step")
	}
	if p.IsUnreachable() {
		t.Fatal("a successful round trip must not leave the peer marked unreachable")
	}
}

func TestRouteUnknownPeerFails(t *testing.T) {
	c, _ := newTestCentral()
	_, err := c.Route("cul0", -50, &bidcos.Packet{Source: peer.Address{9, 9, 9}})
	if !errors.Is(err, peer.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}
