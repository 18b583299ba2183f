// Package bidcos implements the wire format of the HomeMatic BidCoS
// (bidirectional communication standard) radio protocol: the Packet
// type shared by every radio transport and by the protocol engine
// that schedules and authenticates them.
package bidcos

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"
)

// BidCoS commands (message types). c.f. Homegear-HomeMaticBidCoS rftypes.
const (
	DeviceInfo byte = iota
	Config
	Ack
	Info             = 0x10
	ClimateEvent     = 0x58
	ThermalControl   = 0x5a
	PowerEventCyclic = 0x5e
	PowerEvent       = 0x5f
	WeatherEvent     = 0x70

	// AES handshake frame types, c.f. spec §4.B.
	AesChallenge byte = 0x02 // c-frame; shares its type with Ack, disambiguated by payload shape
	AesResponse  byte = 0x03 // r-frame
)

// BidCoS Config subcommands.
const (
	_ byte = iota
	ConfigPeerAdd
	ConfigPeerRemove
	ConfigPeerListReq
	ConfigParamReq
	ConfigStart
	ConfigEnd
	ConfigWriteIndexSeq
	ConfigWriteIndexPairs
	ConfigSerialReq
	ConfigPairSerial
	_
	_
	_
	ConfigStatusRequest
)

// BidCoS Info subcommands.
const (
	InfoSerial byte = iota
	InfoPeerList
	InfoParamResponsePairs
	InfoParamResponseSeq
	InfoParamChange
	_
	InfoActuatorStatus
	InfoTemp = 0x0a
)

// Packet flags (controlByte bits), named per the specification rather
// than the teacher's original (functionally identical) naming.
const (
	WakeUp       byte = 1 << iota // wake the destination device from power-save mode
	WakeMeUp                      // device is awake, send messages now
	ConfigFlag                    // CONFIG: pairing/config exchange in progress
	_                             // reserved
	Burst                         // extended preamble, for wake-on-radio peers
	AckReq                        // BiDi: bi-directional, response expected
	Repeated                      // packet was repeated (not observed on the wire)
	RepeatEnable                  // packet can be repeated (nearly always set)
)

const DefaultFlags = RepeatEnable | AckReq

// MaxPayload is the largest payload a BidCoS frame can carry: 64
// bytes total on the wire, minus the 10 bytes of fixed header.
const MaxPayload = 54

// Packet is a BidCoS frame, independent of which physical transport
// carried it. RSSI and ReceivedAt are metadata attached by the
// receiving transport; Equal ignores both, matching spec §3's
// "equals(other) ignores timestamps and RSSI".
type Packet struct {
	Msgcnt  uint8
	Flags   uint8
	Cmd     uint8
	Source  [3]byte
	Dest    [3]byte
	Payload []byte // at most MaxPayload bytes

	RSSI       int8
	ReceivedAt time.Time
}

// Length is the on-wire length byte: total byte count minus one.
func (p *Packet) Length() uint8 {
	return uint8(9 + len(p.Payload))
}

// Equal reports whether p and o carry the same protocol content,
// ignoring RSSI and ReceivedAt.
func (p *Packet) Equal(o *Packet) bool {
	if o == nil {
		return false
	}
	return p.Msgcnt == o.Msgcnt &&
		p.Flags == o.Flags &&
		p.Cmd == o.Cmd &&
		p.Source == o.Source &&
		p.Dest == o.Dest &&
		bytes.Equal(p.Payload, o.Payload)
}

// EncodeWire serializes p into the generic radio wire format used by
// CUL, COC/CUNO and CC1101: length, counter, control byte, message
// type, source, destination, payload.
func (p *Packet) EncodeWire() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("bidcos: payload too long: got %d bytes, want <= %d", len(p.Payload), MaxPayload)
	}
	n := 9 + len(p.Payload)
	buf := make([]byte, 1+n)
	buf[0] = byte(n)
	buf[1] = p.Msgcnt
	buf[2] = p.Flags
	buf[3] = p.Cmd
	copy(buf[4:7], p.Source[:])
	copy(buf[7:10], p.Dest[:])
	copy(buf[10:], p.Payload)
	return buf, nil
}

// DecodeWire parses the generic radio wire format (see EncodeWire).
func DecodeWire(b []byte) (*Packet, error) {
	if len(b) < 10 {
		return nil, fmt.Errorf("bidcos: too short for a bidcos packet: got %d, want >= %d", len(b), 10)
	}
	length := int(b[0])
	if got, want := len(b)-1, length; got != want {
		return nil, fmt.Errorf("bidcos: length mismatch: on-wire says %d bytes follow, got %d", want, got)
	}
	if len(b)-10 > MaxPayload {
		return nil, fmt.Errorf("bidcos: payload too long: got %d bytes, want <= %d", len(b)-10, MaxPayload)
	}
	pkt := &Packet{
		Msgcnt: b[1],
		Flags:  b[2],
		Cmd:    b[3],
	}
	copy(pkt.Source[:], b[4:7])
	copy(pkt.Dest[:], b[7:10])
	if len(b) > 10 {
		pkt.Payload = append([]byte(nil), b[10:]...)
	}
	return pkt, nil
}

// EncodeHex returns the hex encoding of EncodeWire, as sent after the
// ASCII "As" command on CUL/COC/CUNO transports.
func (p *Packet) EncodeHex() (string, error) {
	b, err := p.EncodeWire()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%X", b), nil
}

// DecodeHex parses the payload of an "A<hex>" asynchronous response
// line from a CUL/COC/CUNO transport.
func DecodeHex(s string) (*Packet, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bidcos: invalid hex packet %q: %w", s, err)
	}
	return DecodeWire(b)
}

// EncodeUARTGW serializes p into the HM-MOD-RPI-PCB-specific frame
// shape (status, info, burst, counter, control, type, source,
// destination, payload), kept from the original implementation of
// this gateway.
func (p *Packet) EncodeUARTGW() []byte {
	var burst byte
	if p.Flags&Burst == Burst {
		burst = 0x01
	}
	res := []byte{
		0x00, // status
		0x00, // info
		burst,
		p.Msgcnt,
		p.Flags,
		p.Cmd,
	}
	res = append(res, p.Source[:]...)
	res = append(res, p.Dest[:]...)
	res = append(res, p.Payload...)
	return res
}

// DecodeUARTGW parses the HM-MOD-RPI-PCB-specific frame shape, the
// inverse of EncodeUARTGW.
func DecodeUARTGW(b []byte) (*Packet, error) {
	if got, want := len(b), 12; got < want {
		return nil, fmt.Errorf("bidcos: too short for a uartgw bidcos packet: got %d, want >= %d", got, want)
	}
	pkt := &Packet{
		Msgcnt: b[3],
		Flags:  b[4],
		Cmd:    b[5],
		RSSI:   int8(b[2]),
	}
	copy(pkt.Source[:], b[6:9])
	copy(pkt.Dest[:], b[9:12])
	if len(b) > 12 {
		pkt.Payload = append([]byte(nil), b[12:]...)
	}
	return pkt, nil
}
