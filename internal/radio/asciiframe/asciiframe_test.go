package asciiframe

import (
	"strings"
	"testing"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

func TestEncodeSendRoundTrip(t *testing.T) {
	pkt := &bidcos.Packet{
		Msgcnt:  1,
		Flags:   bidcos.DefaultFlags,
		Cmd:     bidcos.Info,
		Source:  [3]byte{1, 2, 3},
		Dest:    [3]byte{4, 5, 6},
		Payload: []byte{0xAB},
	}
	line, err := EncodeSend(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "As") || !strings.HasSuffix(line, "\r\n") {
		t.Fatalf("unexpected send line: %q", line)
	}

	hexPart := strings.TrimSuffix(strings.TrimPrefix(line, "As"), "\r\n")
	parsed, err := ParseLine("A" + hexPart)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Kind != KindPacket {
		t.Fatalf("Kind = %v, want KindPacket", parsed.Kind)
	}
	if !pkt.Equal(parsed.Packet) {
		t.Fatalf("got %+v, want %+v", parsed.Packet, pkt)
	}
}

func TestParseLineWithTrailingRSSI(t *testing.T) {
	pkt := &bidcos.Packet{Msgcnt: 9, Cmd: bidcos.Ack, Source: [3]byte{1, 1, 1}, Dest: [3]byte{2, 2, 2}}
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		t.Fatal(err)
	}

	line, err := ParseLine("A" + hexPkt + "C8")
	if err != nil {
		t.Fatal(err)
	}
	if line.Kind != KindPacket {
		t.Fatalf("Kind = %v, want KindPacket", line.Kind)
	}
	if !pkt.Equal(line.Packet) {
		t.Fatalf("got %+v, want %+v", line.Packet, pkt)
	}
	if line.Packet.RSSI == 0 {
		t.Fatal("expected a non-zero RSSI decoded from the trailing byte")
	}
}

func TestParseVersionLine(t *testing.T) {
	line, err := ParseLine("V 1.67 CUL868")
	if err != nil {
		t.Fatal(err)
	}
	if line.Kind != KindVersion {
		t.Fatalf("Kind = %v, want KindVersion", line.Kind)
	}
	if line.Version != " 1.67 CUL868" {
		t.Fatalf("Version = %q", line.Version)
	}
}

func TestReaderReadsMultipleLines(t *testing.T) {
	r := NewReader(strings.NewReader("Vfoo\r\nsomething else\r\n"))
	l1, err := r.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if l1.Kind != KindVersion {
		t.Fatalf("first line Kind = %v, want KindVersion", l1.Kind)
	}
	l2, err := r.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if l2.Kind != KindOther {
		t.Fatalf("second line Kind = %v, want KindOther", l2.Kind)
	}
}
