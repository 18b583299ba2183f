package aes

import (
	"errors"
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

func TestHandshakeHappyPath(t *testing.T) {
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	myAddr := [3]byte{0xAA, 0xBB, 0xCC}
	peerAddr := [3]byte{1, 2, 3}

	h := New(myAddr, key, 0)

	mFrame := &bidcos.Packet{Msgcnt: 7, Dest: peerAddr, Cmd: bidcos.Config, Payload: []byte{1, 2}}
	if _, err := h.WrapOutgoing(peerAddr, mFrame); err != nil {
		t.Fatal(err)
	}
	if !h.HandshakeStarted(peerAddr) {
		t.Fatal("expected an outstanding handshake after WrapOutgoing")
	}

	cFrame := &bidcos.Packet{Source: peerAddr, Dest: myAddr, Cmd: CmdChallenge, Payload: []byte{1, 2, 3, 4, 5, 6}}
	deliver, reply, consumed, err := h.HandleReceived(peerAddr, cFrame)
	if err != nil {
		t.Fatal(err)
	}
	if !consumed {
		t.Fatal("a c-frame must be consumed, not delivered")
	}
	if deliver != nil {
		t.Fatal("a c-frame must not deliver anything upward")
	}
	if reply == nil || reply.Cmd != CmdResponse {
		t.Fatalf("expected an r-frame reply, got %+v", reply)
	}

	// Simulate the peer verifying the r-frame and computing the same
	// signature to reply with, as an ordinary ACK (the a-frame).
	expectedSig, err := sign(key, cFrame.Payload[:ChallengeSize], mFrame)
	if err != nil {
		t.Fatal(err)
	}
	aFrame := &bidcos.Packet{Source: peerAddr, Dest: myAddr, Cmd: bidcos.Ack, Payload: expectedSig[:]}

	deliver2, reply2, consumed2, err := h.HandleReceived(peerAddr, aFrame)
	if err != nil {
		t.Fatal(err)
	}
	if !consumed2 {
		t.Fatal("an a-frame must be consumed")
	}
	if reply2 != nil {
		t.Fatal("an a-frame must not itself produce a further reply")
	}
	if deliver2 != mFrame {
		t.Fatalf("expected the original m-frame to be delivered exactly once, got %+v", deliver2)
	}

	if h.HandshakeStarted(peerAddr) {
		t.Fatal("handshake state must be cleared once the a-frame verifies")
	}
}

func TestHandshakeBadSignatureRejected(t *testing.T) {
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	myAddr := [3]byte{0xAA, 0xBB, 0xCC}
	peerAddr := [3]byte{1, 2, 3}
	h := New(myAddr, key, 0)

	mFrame := &bidcos.Packet{Msgcnt: 1, Dest: peerAddr}
	h.WrapOutgoing(peerAddr, mFrame)

	cFrame := &bidcos.Packet{Source: peerAddr, Dest: myAddr, Cmd: CmdChallenge, Payload: []byte{1, 2, 3, 4, 5, 6}}
	if _, _, _, err := h.HandleReceived(peerAddr, cFrame); err != nil {
		t.Fatal(err)
	}

	garbage := make([]byte, SignatureSize)
	aFrame := &bidcos.Packet{Source: peerAddr, Dest: myAddr, Cmd: bidcos.Ack, Payload: garbage}
	_, _, consumed, err := h.HandleReceived(peerAddr, aFrame)
	if !consumed {
		t.Fatal("an a-frame with a bad signature is still consumed, not delivered")
	}
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestNonHandshakeFramePassesThrough(t *testing.T) {
	h := New([3]byte{1, 2, 3}, [16]byte{}, 0)
	pkt := &bidcos.Packet{Cmd: bidcos.Info, Source: [3]byte{4, 5, 6}}
	deliver, reply, consumed, err := h.HandleReceived([3]byte{4, 5, 6}, pkt)
	if err != nil {
		t.Fatal(err)
	}
	if consumed || reply != nil {
		t.Fatal("a non-handshake frame must pass through untouched")
	}
	if deliver != pkt {
		t.Fatal("expected the original packet back")
	}
}

func TestCollectGarbageExpiresStaleHandshake(t *testing.T) {
	h := New([3]byte{1, 2, 3}, [16]byte{}, 0)
	now := time.Unix(1000, 0)
	h.Now = func() time.Time { return now }

	peerAddr := [3]byte{9, 9, 9}
	h.SetMFrame(&bidcos.Packet{Dest: peerAddr})
	if !h.HandshakeStarted(peerAddr) {
		t.Fatal("expected the handshake to be outstanding")
	}

	now = now.Add(MaxAge + time.Second)
	h.CollectGarbage()

	if h.HandshakeStarted(peerAddr) {
		t.Fatal("expected CollectGarbage to drop the stale handshake")
	}
}

func TestGenerateKeyChangeRotatesKeys(t *testing.T) {
	key0 := [16]byte{1}
	key1 := [16]byte{2}
	h := New([3]byte{1, 2, 3}, key0, 0)

	pkt, err := h.GenerateKeyChangePacket(key1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Cmd != bidcos.Config {
		t.Fatalf("key change packet Cmd = %v, want bidcos.Config", pkt.Cmd)
	}

	if got, err := h.key(1); err != nil || got != key1 {
		t.Fatalf("key(1) = %v, %v; want %v, nil", got, err, key1)
	}
	if got, err := h.key(0); err != nil || got != key0 {
		t.Fatalf("key(0) = %v, %v; want %v, nil (old key must remain valid as fallback)", got, err, key0)
	}

	if _, err := h.GenerateKeyChangePacket(key1, 1); err == nil {
		t.Fatal("expected an error when rotating to the already-current key index")
	}
}
