package bidcos_test

import (
	"testing"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

func TestWireRoundTrip(t *testing.T) {
	pkt := &bidcos.Packet{
		Msgcnt:  0x42,
		Flags:   bidcos.DefaultFlags,
		Cmd:     bidcos.Ack,
		Source:  [3]byte{0x12, 0x34, 0x56},
		Dest:    [3]byte{0xaa, 0xbb, 0xcc},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	b, err := pkt.EncodeWire()
	if err != nil {
		t.Fatal(err)
	}
	got, err := bidcos.DecodeWire(b)
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.Equal(got) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, pkt)
	}
}

func TestEqualIgnoresRSSIAndTime(t *testing.T) {
	a := &bidcos.Packet{Msgcnt: 1, Source: [3]byte{1, 2, 3}, RSSI: -60}
	b := &bidcos.Packet{Msgcnt: 1, Source: [3]byte{1, 2, 3}, RSSI: -90}
	if !a.Equal(b) {
		t.Fatalf("expected packets differing only in RSSI to be equal")
	}
}

func TestPayloadBoundary(t *testing.T) {
	ok := &bidcos.Packet{Payload: make([]byte, bidcos.MaxPayload)}
	if _, err := ok.EncodeWire(); err != nil {
		t.Fatalf("payload of exactly %d bytes must be accepted: %v", bidcos.MaxPayload, err)
	}
	tooLong := &bidcos.Packet{Payload: make([]byte, bidcos.MaxPayload+1)}
	if _, err := tooLong.EncodeWire(); err == nil {
		t.Fatalf("payload of %d bytes must be rejected", bidcos.MaxPayload+1)
	}
}

func TestHexRoundTrip(t *testing.T) {
	pkt := &bidcos.Packet{
		Msgcnt:  0x17,
		Flags:   bidcos.DefaultFlags,
		Cmd:     bidcos.Info,
		Source:  [3]byte{0x11, 0x22, 0x33},
		Dest:    [3]byte{0x44, 0x55, 0x66},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	hexStr, err := pkt.EncodeHex()
	if err != nil {
		t.Fatal(err)
	}
	got, err := bidcos.DecodeHex(hexStr)
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.Equal(got) {
		t.Fatalf("hex round trip mismatch: got %+v, want %+v", got, pkt)
	}
}

func TestUARTGWRoundTrip(t *testing.T) {
	pkt := &bidcos.Packet{
		Msgcnt:  9,
		Flags:   bidcos.DefaultFlags | bidcos.Burst,
		Cmd:     bidcos.Config,
		Source:  [3]byte{1, 2, 3},
		Dest:    [3]byte{4, 5, 6},
		Payload: []byte{0, 1},
	}
	b := pkt.EncodeUARTGW()
	got, err := bidcos.DecodeUARTGW(b)
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.Equal(got) {
		t.Fatalf("uartgw round trip mismatch: got %+v, want %+v", got, pkt)
	}
}
