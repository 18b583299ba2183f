// Package aes implements the BidCoS AES challenge/response handshake
// that protects writes to paired devices: the m/c/r/a frame exchange
// described in spec §4.B.
//
// Grounded on Homegear-HomeMaticBidCoS's call sites in
// PhysicalInterfaces/COC.cpp (_examples/original_source/src/PhysicalInterfaces/COC.cpp,
// around its AES handling block: setMFrame, getCFrame, getRFrame,
// getAFrame, checkAFrame, handshakeStarted, collectGarbage,
// generateKeyChangePacket) — AesHandshake.cpp itself is not present in
// the retrieved original source, so the exact on-wire signature
// derivation is not replicated bit-for-bit; instead this package
// implements a self-consistent challenge/response built on stdlib
// crypto/aes + crypto/cipher (documented in DESIGN.md), preserving the
// method names, state machine, and garbage-collection behavior the
// call sites rely on.
package aes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/metrics"
)

// ChallengeSize is the length, in bytes, of a c-frame's random
// challenge payload.
const ChallengeSize = 6

// SignatureSize is the length, in bytes, of an r-frame/a-frame
// signature payload.
const SignatureSize = 8

// GCInterval is how often the transport is expected to call
// CollectGarbage (spec: COC.cpp calls it roughly every 30s).
const GCInterval = 30 * time.Second

// MaxAge bounds how long an outstanding handshake survives without
// completing before CollectGarbage reaps it.
const MaxAge = 30 * time.Second

var (
	// ErrNoMFrame is returned when a c-frame or a-frame arrives for a
	// peer with no outstanding recorded m-frame.
	ErrNoMFrame = errors.New("aes: no outstanding m-frame for this peer")
	// ErrBadSignature is returned when an a-frame's signature does not
	// match the expected value.
	ErrBadSignature = errors.New("aes: signature verification failed")
	// ErrUnknownKeyIndex is returned when keyIndex names neither the
	// current nor the immediately preceding key.
	ErrUnknownKeyIndex = errors.New("aes: unknown key index")
)

// BidCoS AES message types, layered on top of the generic Config
// command the way COC.cpp's 0x04 payload[0]==1 check does for key
// changes; challenge/response frames use dedicated pseudo-commands
// local to this package's Packet framing (Cmd field), since the real
// wire distinguishes them by payload shape within message type 0x02/0x03.
const (
	CmdChallenge byte = 0x02
	CmdResponse  byte = 0x03
	CmdKeyChange byte = 0x04
)

type outstanding struct {
	mFrame    *bidcos.Packet
	challenge [ChallengeSize]byte
	keyIndex  uint8
	createdAt time.Time
}

// Handshake holds the per-gateway AES key material and the set of
// in-flight m/c/r handshakes, one per peer address.
type Handshake struct {
	Now func() time.Time

	mu              sync.Mutex
	myAddress       [3]byte
	currentKey      [16]byte
	oldKey          [16]byte
	haveOldKey      bool
	currentKeyIndex uint8

	outstanding map[[3]byte]*outstanding
}

// New creates a Handshake for myAddress, the gateway's own BidCoS
// address, using currentKey as the active AES key at currentKeyIndex.
func New(myAddress [3]byte, currentKey [16]byte, currentKeyIndex uint8) *Handshake {
	return &Handshake{
		Now:             time.Now,
		myAddress:       myAddress,
		currentKey:      currentKey,
		currentKeyIndex: currentKeyIndex,
		outstanding:     make(map[[3]byte]*outstanding),
	}
}

// SetMyAddress updates the gateway's own address (mirrors
// IBidCoSInterface::setMyAddress propagating into the handshake
// engine after a re-pairing or address change).
func (h *Handshake) SetMyAddress(addr [3]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.myAddress = addr
}

func (h *Handshake) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// SetMFrame records pkt as the original outgoing request addressed to
// pkt.Dest, to be referenced once that peer's challenge arrives.
func (h *Handshake) SetMFrame(pkt *bidcos.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outstanding[pkt.Dest] = &outstanding{
		mFrame:    pkt,
		keyIndex:  h.currentKeyIndex,
		createdAt: h.now(),
	}
}

// HandshakeStarted reports whether an m-frame is outstanding for
// senderAddr.
func (h *Handshake) HandshakeStarted(senderAddr [3]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.outstanding[senderAddr]
	return ok
}

// GetCFrame builds a fresh random challenge addressed to the sender of
// pkt, to be transmitted as a c-frame. Grounded on the "queuePacket(_aesHandshake->getCFrame(packet))"
// call site: used when an incoming write requires the gateway itself
// to challenge the peer before accepting it.
func (h *Handshake) GetCFrame(pkt *bidcos.Packet) (*bidcos.Packet, error) {
	var challenge [ChallengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, fmt.Errorf("aes: generating challenge: %w", err)
	}

	h.mu.Lock()
	h.outstanding[pkt.Source] = &outstanding{
		challenge: challenge,
		keyIndex:  h.currentKeyIndex,
		createdAt: h.now(),
	}
	myAddr := h.myAddress
	h.mu.Unlock()

	return &bidcos.Packet{
		Flags:   bidcos.DefaultFlags,
		Cmd:     CmdChallenge,
		Source:  myAddr,
		Dest:    pkt.Source,
		Payload: append([]byte(nil), challenge[:]...),
	}, nil
}

// key returns the key material for keyIndex: the current key, or the
// immediately preceding one if the peer is still using it (spec:
// "falling back to oldKey when keyIndex is one less than current").
func (h *Handshake) key(keyIndex uint8) ([16]byte, error) {
	if keyIndex == h.currentKeyIndex {
		return h.currentKey, nil
	}
	if h.haveOldKey && keyIndex == h.currentKeyIndex-1 {
		return h.oldKey, nil
	}
	return [16]byte{}, ErrUnknownKeyIndex
}

// sign derives an 8-byte signature over challenge||mFrame, using an
// AES-CFB keystream keyed by key and seeded by challenge as the IV
// source (documented approximation, see package doc).
func sign(key [16]byte, challenge []byte, mFrame *bidcos.Packet) ([SignatureSize]byte, error) {
	var out [SignatureSize]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("aes: %w", err)
	}

	var iv [16]byte
	copy(iv[:], challenge)
	if mFrame != nil {
		iv[6] = mFrame.Msgcnt
		iv[7] = mFrame.Cmd
		copy(iv[8:11], mFrame.Source[:])
		copy(iv[11:14], mFrame.Dest[:])
	}

	stream := cipher.NewCFBEncrypter(block, iv[:])
	keystream := make([]byte, SignatureSize)
	stream.XORKeyStream(keystream, make([]byte, SignatureSize))
	copy(out[:], keystream)
	return out, nil
}

// GetRFrame computes the r-frame reply to a received c-frame, using
// the m-frame previously recorded via SetMFrame for the challenging
// peer. It returns the r-frame to transmit and the stored m-frame (so
// the caller can track completion), without yet delivering the
// m-frame upward — that happens once GetAFrame verifies the peer's
// a-frame.
func (h *Handshake) GetRFrame(cFrame *bidcos.Packet, keyIndex uint8) (rFrame *bidcos.Packet, mFrame *bidcos.Packet, err error) {
	if len(cFrame.Payload) < ChallengeSize {
		return nil, nil, fmt.Errorf("aes: c-frame payload too short (%d bytes)", len(cFrame.Payload))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.outstanding[cFrame.Source]
	if !ok || st.mFrame == nil {
		return nil, nil, ErrNoMFrame
	}

	key, err := h.key(keyIndex)
	if err != nil {
		return nil, nil, err
	}

	var challenge [ChallengeSize]byte
	copy(challenge[:], cFrame.Payload[:ChallengeSize])
	sig, err := sign(key, challenge[:], st.mFrame)
	if err != nil {
		return nil, nil, err
	}

	st.challenge = challenge
	st.keyIndex = keyIndex

	rFrame = &bidcos.Packet{
		Flags:   bidcos.DefaultFlags,
		Cmd:     CmdResponse,
		Source:  h.myAddress,
		Dest:    cFrame.Source,
		Payload: append([]byte(nil), sig[:]...),
	}
	return rFrame, st.mFrame, nil
}

// GetAFrame verifies a received a-frame (the peer's signed
// acknowledgement of an r-frame) against the stored handshake state
// for the sender, and if it matches, finalizes and returns the
// original m-frame exactly once (subsequent calls for the same
// completed handshake return ErrNoMFrame, since the state is removed
// on success). wakeUp is returned unchanged for transports that need
// to fold it into their own wake-on-radio bookkeeping.
func (h *Handshake) GetAFrame(aFrame *bidcos.Packet, keyIndex uint8, wakeUp bool) (mFrame *bidcos.Packet, wakeUpOut bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.outstanding[aFrame.Source]
	if !ok || st.mFrame == nil {
		return nil, wakeUp, ErrNoMFrame
	}

	key, err := h.key(keyIndex)
	if err != nil {
		return nil, wakeUp, err
	}

	expected, err := sign(key, st.challenge[:], st.mFrame)
	if err != nil {
		return nil, wakeUp, err
	}
	if len(aFrame.Payload) < SignatureSize || !bytesEqual(aFrame.Payload[:SignatureSize], expected[:]) {
		metrics.AESFailures.WithLabelValues(fmt.Sprintf("%x", aFrame.Source)).Inc()
		return nil, wakeUp, ErrBadSignature
	}

	mFrame = st.mFrame
	delete(h.outstanding, aFrame.Source)
	return mFrame, wakeUp, nil
}

// CheckAFrame validates an a-frame's signature without consuming the
// outstanding handshake state, for callers that need a yes/no answer
// ahead of GetAFrame (mirrors the Cul.cpp/COC.cpp pattern of checking
// before acting: "if(... && !_aesHandshake->checkAFrame(packet))").
func (h *Handshake) CheckAFrame(aFrame *bidcos.Packet) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.outstanding[aFrame.Source]
	if !ok || st.mFrame == nil {
		return false
	}
	key, err := h.key(st.keyIndex)
	if err != nil {
		return false
	}
	expected, err := sign(key, st.challenge[:], st.mFrame)
	if err != nil {
		return false
	}
	return len(aFrame.Payload) >= SignatureSize && bytesEqual(aFrame.Payload[:SignatureSize], expected[:])
}

// GenerateKeyChangePacket builds the key-change ceremony packet that
// rotates the active key: the current key becomes the fallback
// ("old") key and newKey becomes current at newKeyIndex. Grounded on
// the supplemented feature noted in SPEC_FULL §11: COC.cpp's handling
// of a 0x04 payload[0]==1 packet as "set new AES key", extended here
// to actually rotate oldKey rather than just installing newKey.
func (h *Handshake) GenerateKeyChangePacket(newKey [16]byte, newKeyIndex uint8) (*bidcos.Packet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if newKeyIndex == h.currentKeyIndex {
		return nil, fmt.Errorf("aes: key index %d already in use", newKeyIndex)
	}

	h.oldKey = h.currentKey
	h.haveOldKey = true
	h.currentKey = newKey
	h.currentKeyIndex = newKeyIndex

	return &bidcos.Packet{
		Flags:   bidcos.DefaultFlags | bidcos.ConfigFlag,
		Cmd:     bidcos.Config,
		Source:  h.myAddress,
		Payload: []byte{bidcos.ConfigStart, 1},
	}, nil
}

// CollectGarbage drops outstanding handshakes older than MaxAge
// (spec: "drop handshake state older than 30s").
func (h *Handshake) CollectGarbage() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for addr, st := range h.outstanding {
		if now.Sub(st.createdAt) > MaxAge {
			delete(h.outstanding, addr)
		}
	}
}

func (h *Handshake) snapshotKeyIndex() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentKeyIndex
}

// HandleReceived implements internal/peer.AESEngine. It recognizes
// the two handshake-internal frame kinds — a c-frame challenge, and
// an a-frame (an ordinary ACK carrying a trailing signature once a
// handshake is outstanding for the sender, mirroring COC.cpp's
// "_aesHandshake->handshakeStarted(...) && checkAFrame(...)" guard on
// received ACKs) — and consumes them, producing a reply to transmit
// (the r-frame) or the finally-verified m-frame to deliver upward.
// Any other frame passes through untouched.
func (h *Handshake) HandleReceived(peerAddr [3]byte, pkt *bidcos.Packet) (deliver *bidcos.Packet, reply *bidcos.Packet, consumed bool, err error) {
	// CmdChallenge and bidcos.Ack are numerically identical (both
	// 0x02): real BidCoS overloads messageType 0x02 between a plain
	// ACK and an incoming c-frame challenge, distinguishing the two by
	// payload (COC.cpp checks payload[0]==0x04). Mirror that here by
	// payload length instead: a c-frame carries ChallengeSize bytes, an
	// a-frame carries SignatureSize bytes. The c-frame check must run
	// first: a c-frame arrives while the address's handshake is
	// outstanding, so the ACK branch below would otherwise hand it to
	// GetAFrame.
	if pkt.Cmd == CmdChallenge && len(pkt.Payload) == ChallengeSize {
		rFrame, _, gerr := h.GetRFrame(pkt, h.snapshotKeyIndex())
		if gerr != nil {
			return nil, nil, true, gerr
		}
		return nil, rFrame, true, nil
	}
	if pkt.Cmd == bidcos.Ack && h.HandshakeStarted(peerAddr) {
		mFrame, _, gerr := h.GetAFrame(pkt, h.snapshotKeyIndex(), false)
		if gerr != nil {
			return nil, nil, true, gerr
		}
		return mFrame, nil, true, nil
	}
	return pkt, nil, false, nil
}

// WrapOutgoing implements internal/peer.AESEngine: records pkt as the
// outstanding m-frame for peerAddr so a later c-frame/a-frame exchange
// can be matched against it. The packet itself is transmitted
// unchanged — AES-protected BidCoS writes are not encrypted on the
// wire, only challenge-response authenticated.
func (h *Handshake) WrapOutgoing(peerAddr [3]byte, pkt *bidcos.Packet) (*bidcos.Packet, error) {
	h.SetMFrame(pkt)
	return pkt, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
