// Package radio defines the physical-interface abstraction shared by
// all BidCoS transports: CUL serial (internal/radio/cul), COC/CUNO
// serial-over-TCP (internal/radio/coc), CC1101 SPI
// (internal/radio/cc1101), and the HM-MOD-RPI-PCB UARTGW gateway
// (internal/radio/uartgw, wrapping the teacher's internal/uartgw).
//
// Grounded on Homegear-HomeMaticBidCoS's IBidCoSInterface
// (referenced throughout _examples/original_source/src/PhysicalInterfaces/*.cpp):
// one send/receive contract, AES offload hooks, wake-on-radio,
// update-mode gating, and ID-based addressing so Peer/Central can
// route without caring which concrete radio a peer is bound to.
package radio

import (
	"context"
	"fmt"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

// PeerInfo mirrors internal/peer.PeerInfo without importing that
// package; cmd/bidcosgwd's transportAdapter converts between the two.
type PeerInfo struct {
	Address     [3]byte
	KeyIndex    uint8
	WakeUp      bool
	AESChannels map[uint8]bool
}

// Capabilities describes what a transport supports, so Central and
// the daemon can make routing/config decisions without a type switch
// per transport (spec §4.A).
type Capabilities struct {
	AESSupported bool
	AutoResend   bool
	NeedsPeers   bool
}

// Reception is one decoded packet arriving off a transport, tagged
// with the signal strength and interface it arrived on (spec §4.E
// roaming needs both).
type Reception struct {
	Packet    *bidcos.Packet
	RSSI      int8
	Interface string
}

// Transport is the interface every physical BidCoS radio implements.
type Transport interface {
	StartListening(ctx context.Context) error
	StopListening() error
	SendPacket(pkt *bidcos.Packet) error
	EnableUpdateMode() error
	DisableUpdateMode() error
	AddPeer(info PeerInfo) error
	RemovePeer(addr [3]byte) error
	SetWakeUp(addr [3]byte, wakeUp bool) error
	SetAES(addr [3]byte, channel uint8, enabled bool) error
	ID() string
	Capabilities() Capabilities
	Packets() <-chan Reception
}

// ErrorKind classifies transport failures for uniform handling by
// Central and the queue retry machine (spec §7).
type ErrorKind int

const (
	ErrTransient ErrorKind = iota
	ErrFatalIO
	ErrProtocol
	ErrQueueExhausted
	ErrDutyCycle
	ErrDeadlockGuard
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransient:
		return "transient"
	case ErrFatalIO:
		return "fatal-io"
	case ErrProtocol:
		return "protocol"
	case ErrQueueExhausted:
		return "queue-exhausted"
	case ErrDutyCycle:
		return "duty-cycle"
	case ErrDeadlockGuard:
		return "deadlock-guard"
	default:
		return "unknown"
	}
}

// Error is the uniform error type every transport returns, replacing
// the source's per-call triple-catch pattern (spec §7, REDESIGN
// FLAGS) with a single taxonomy callers can switch on via errors.As.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
