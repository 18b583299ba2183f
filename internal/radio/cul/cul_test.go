package cul

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

// loopDevice is an in-memory Device: writes go nowhere interesting
// (captured for assertions), reads come from an injectable pipe.
type loopDevice struct {
	writes   chan string
	readPipe *io.PipeReader
	writePipe *io.PipeWriter
}

func newLoopDevice() *loopDevice {
	r, w := io.Pipe()
	return &loopDevice{writes: make(chan string, 16), readPipe: r, writePipe: w}
}

func (d *loopDevice) Read(p []byte) (int, error)  { return d.readPipe.Read(p) }
func (d *loopDevice) Write(p []byte) (int, error) {
	select {
	case d.writes <- string(p):
	default:
	}
	return len(p), nil
}
func (d *loopDevice) Close() error {
	d.writePipe.Close()
	return nil
}

func (d *loopDevice) injectLine(s string) {
	go d.writePipe.Write([]byte(s + "\r\n"))
}

func TestSendPacketWritesAsCommand(t *testing.T) {
	dev := newLoopDevice()
	defer dev.Close()
	tr := New(dev, Config{ID: "cul0"})

	pkt := &bidcos.Packet{Msgcnt: 1, Cmd: bidcos.Info, Source: [3]byte{1, 2, 3}, Dest: [3]byte{4, 5, 6}}
	if err := tr.SendPacket(pkt); err != nil {
		t.Fatal(err)
	}

	select {
	case w := <-dev.writes:
		if w[:2] != "As" {
			t.Fatalf("expected an As command, got %q", w)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestStartListeningDeliversReception(t *testing.T) {
	dev := newLoopDevice()
	defer dev.Close()
	tr := New(dev, Config{ID: "cul0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.StartListening(ctx); err != nil {
		t.Fatal(err)
	}

	pkt := &bidcos.Packet{Msgcnt: 3, Cmd: bidcos.Ack, Source: [3]byte{9, 9, 9}, Dest: [3]byte{1, 1, 1}}
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		t.Fatal(err)
	}
	dev.injectLine("A" + hexPkt)

	select {
	case rx := <-tr.Packets():
		if !pkt.Equal(rx.Packet) {
			t.Fatalf("got %+v, want %+v", rx.Packet, pkt)
		}
		if rx.Interface != "cul0" {
			t.Fatalf("Interface = %q, want cul0", rx.Interface)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reception")
	}
}

func TestStackedCULFiltersForeignPrefix(t *testing.T) {
	dev := newLoopDevice()
	defer dev.Close()
	tr := New(dev, Config{ID: "cul1", StackPosition: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.StartListening(ctx); err != nil {
		t.Fatal(err)
	}

	pkt := &bidcos.Packet{Msgcnt: 3, Cmd: bidcos.Ack, Source: [3]byte{9, 9, 9}, Dest: [3]byte{1, 1, 1}}
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		t.Fatal(err)
	}
	// Unprefixed line: belongs to stack position 1, must be ignored.
	dev.injectLine("A" + hexPkt)

	select {
	case rx := <-tr.Packets():
		t.Fatalf("unexpected reception from an unprefixed line: %+v", rx)
	case <-time.After(200 * time.Millisecond):
	}
}
