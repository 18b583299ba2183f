// Package asciiframe implements the line-based ASCII protocol shared
// by the CUL (internal/radio/cul) and COC/CUNO (internal/radio/coc)
// serial transports: hex-encoded BidCoS frames over CRLF-terminated
// lines, prefixed by a one-letter command.
//
// Grounded on bidcos.Packet.EncodeHex/DecodeHex's doc comments (spec
// §4.A): "A<hex>" is an asynchronous reception, "As<hex>" requests a
// send, and a trailing two hex digits on a reception line carry the
// raw RSSI byte the same way HM-MOD-RPI-PCB's DecodeUARTGW does.
package asciiframe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

// Frame size boundaries for serial transports (spec §8 boundary
// cases): shorter frames are ignored, longer ones indicate the stick
// has desynced and the transport must close and reopen the device.
// Grounded on Cul::listen's packetHex.size() checks (21/200, which
// count the leading "A" the reception line starts with); expressed
// here in terms of the hex body alone (one character shorter on each
// bound, since decodeReception's body excludes that leading "A").
const (
	MinFrameHexLen = 20
	MaxFrameHexLen = 199
)

var (
	// ErrFrameTooShort is returned by ParseLine/decodeReception when a
	// reception line's frame is shorter than MinFrameHexLen hex chars;
	// callers should silently ignore the line, not trigger recovery.
	ErrFrameTooShort = errors.New("asciiframe: frame shorter than minimum")
	// ErrFrameTooLong is returned when a reception line's frame
	// exceeds MaxFrameHexLen hex chars: the stick has desynced and the
	// transport must close and reopen the device.
	ErrFrameTooLong = errors.New("asciiframe: frame longer than maximum (desync)")
)

// Kind distinguishes the handful of single-letter lines CUL/COC-class
// adapters exchange beyond plain packet reception.
type Kind int

const (
	KindUnknown Kind = iota
	KindPacket       // "A..." asynchronous reception
	KindAck          // plain bare line in response to a command, e.g. after "As..."
	KindVersion      // "V..." firmware version response
	KindOther        // any other line, passed through verbatim
)

// Line is one parsed line of the ASCII protocol.
type Line struct {
	Kind    Kind
	Packet  *bidcos.Packet
	Version string
	Raw     string
}

// EncodeSend formats pkt as an "As<hex>\r\n" send command.
func EncodeSend(pkt *bidcos.Packet) (string, error) {
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		return "", err
	}
	return "As" + hexPkt + "\r\n", nil
}

// ParseLine interprets one received line (without its line
// terminator). A reception line is "A<hex>" optionally followed by
// two hex digits of raw RSSI once the destination/payload bytes are
// exhausted; CUL firmware appends this in the same spirit as
// HM-MOD-RPI-PCB's status byte in DecodeUARTGW.
func ParseLine(raw string) (Line, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Line{Kind: KindOther, Raw: raw}, nil
	}

	switch raw[0] {
	case 'A':
		body := raw[1:]
		pkt, rssi, err := decodeReception(body)
		if err != nil {
			return Line{}, fmt.Errorf("asciiframe: parsing reception %q: %w", raw, err)
		}
		pkt.RSSI = rssi
		return Line{Kind: KindPacket, Packet: pkt, Raw: raw}, nil
	case 'V':
		return Line{Kind: KindVersion, Version: raw[1:], Raw: raw}, nil
	default:
		return Line{Kind: KindOther, Raw: raw}, nil
	}
}

// decodeReception splits the hex body of an "A..." line into the
// BidCoS frame and a trailing raw RSSI byte, if present. The frame's
// own length byte tells us exactly how many hex characters belong to
// it; any hex octet left over is the RSSI.
func decodeReception(body string) (*bidcos.Packet, int8, error) {
	if len(body) < 2 {
		return nil, 0, fmt.Errorf("line too short: %q", body)
	}
	lengthByte, err := strconv.ParseUint(body[0:2], 16, 8)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid length byte: %w", err)
	}
	frameHexLen := int(lengthByte+1) * 2
	if frameHexLen < MinFrameHexLen {
		return nil, 0, fmt.Errorf("%w: %d hex chars", ErrFrameTooShort, frameHexLen)
	}
	if frameHexLen > MaxFrameHexLen {
		return nil, 0, fmt.Errorf("%w: %d hex chars", ErrFrameTooLong, frameHexLen)
	}
	if len(body) < frameHexLen {
		return nil, 0, fmt.Errorf("frame shorter than its length byte claims: have %d hex chars, want %d", len(body), frameHexLen)
	}

	pkt, err := bidcos.DecodeHex(body[:frameHexLen])
	if err != nil {
		return nil, 0, err
	}

	var rssi int8
	if rest := body[frameHexLen:]; len(rest) >= 2 {
		v, err := strconv.ParseUint(rest[0:2], 16, 8)
		if err == nil {
			rssi = rssiFromRaw(byte(v))
		}
	}
	return pkt, rssi, nil
}

// rssiFromRaw converts CUL's raw RSSI byte to dBm: values >= 128 are
// negative (two's complement), then halved and offset, per the same
// convention the CC1101 datasheet uses (internal/radio/cc1101).
func rssiFromRaw(raw byte) int8 {
	v := int(raw)
	if v >= 128 {
		v -= 256
	}
	if v&1 != 0 {
		return int8((v-1)/2 - 74)
	}
	return int8(v/2 - 74)
}

// Reader scans CRLF-terminated lines off r and parses each with
// ParseLine.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// ReadLine blocks for the next line and parses it. It returns io.EOF
// when the underlying reader is exhausted.
func (rd *Reader) ReadLine() (Line, error) {
	if !rd.scanner.Scan() {
		if err := rd.scanner.Err(); err != nil {
			return Line{}, err
		}
		return Line{}, io.EOF
	}
	return ParseLine(rd.scanner.Text())
}
