package peer_test

import (
	"path/filepath"
	"testing"

	"github.com/stapelberg/bidcosgw/internal/peer"
)

func TestJSONStoreLoadMissingFileIsEmpty(t *testing.T) {
	s := peer.NewJSONStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	peers, err := s.LoadPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers from a missing file, got %d", len(peers))
	}
}

func TestJSONStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	s := peer.NewJSONStore(path)

	p := peer.New(peer.Address{1, 2, 3}, "cul0")
	p.SerialNumber = "SN-ABC"
	p.ID = 42
	p.RemoteChannel = 3
	p.SetAESChannel(1, true)
	p.NextMessageCounter()
	p.NextMessageCounter()

	if err := s.SavePeers([]*peer.Peer{p}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(loaded))
	}
	got := loaded[0]
	if got.Address != p.Address {
		t.Fatalf("Address = %v, want %v", got.Address, p.Address)
	}
	if got.SerialNumber != "SN-ABC" {
		t.Fatalf("SerialNumber = %q, want %q", got.SerialNumber, "SN-ABC")
	}
	if got.MessageCounter != 2 {
		t.Fatalf("MessageCounter = %d, want 2", got.MessageCounter)
	}
	if !got.AESChannels[1] {
		t.Fatal("expected AES channel 1 to survive the round trip")
	}
	if got.PhysicalInterfaceID != "cul0" {
		t.Fatalf("PhysicalInterfaceID = %q, want %q", got.PhysicalInterfaceID, "cul0")
	}
}
