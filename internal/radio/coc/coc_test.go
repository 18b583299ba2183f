package coc

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
)

func startFakeCUNO(t *testing.T) (addr string, received chan string, send chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	received = make(chan string, 16)
	send = make(chan string, 16)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for line := range send {
				conn.Write([]byte(line + "\r\n"))
			}
		}()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			select {
			case received <- scanner.Text():
			default:
			}
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received, send
}

func TestSendPacketOverTCP(t *testing.T) {
	addr, received, send := startFakeCUNO(t)
	defer close(send)

	tr := New(Config{ID: "coc0", Address: addr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.StopListening()

	// Drain the initial X21/Ar handshake lines.
	<-received
	<-received

	pkt := &bidcos.Packet{Msgcnt: 1, Cmd: bidcos.Info, Source: [3]byte{1, 2, 3}, Dest: [3]byte{4, 5, 6}}
	if err := tr.SendPacket(pkt); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-received:
		if line[:2] != "As" {
			t.Fatalf("expected an As command, got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send command")
	}
}

func TestReceptionDeliveredFromCUNO(t *testing.T) {
	addr, received, send := startFakeCUNO(t)
	defer close(send)

	tr := New(Config{ID: "coc0", Address: addr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.StopListening()

	<-received
	<-received

	pkt := &bidcos.Packet{Msgcnt: 7, Cmd: bidcos.Ack, Source: [3]byte{9, 8, 7}, Dest: [3]byte{1, 1, 1}}
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		t.Fatal(err)
	}
	send <- "A" + hexPkt

	select {
	case rx := <-tr.Packets():
		if !pkt.Equal(rx.Packet) {
			t.Fatalf("got %+v, want %+v", rx.Packet, pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reception")
	}
}
