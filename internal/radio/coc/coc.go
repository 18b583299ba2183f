// Package coc implements the COC/CUNO BidCoS transport: the same
// ASCII line protocol as CUL (internal/radio/asciiframe), carried over
// a TCP socket to the device instead of a local serial line.
//
// Grounded on Homegear-HomeMaticBidCoS's COC
// (_examples/original_source/src/PhysicalInterfaces/COC.cpp): the
// stackPrefix daisy-chaining scheme (shared with Cul.cpp), the
// "As"+hex+"\n"+stackPrefix+"Ar\n" send sequence, update-mode gating
// and the 200/400/600/1200ms auto-resend schedule (spec §4.A).
package coc

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/stapelberg/bidcosgw/internal/aes"
	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/metrics"
	"github.com/stapelberg/bidcosgw/internal/radio"
	"github.com/stapelberg/bidcosgw/internal/radio/asciiframe"
	"github.com/stapelberg/bidcosgw/internal/radio/resend"
)

// Config configures one COC/CUNO transport instance.
type Config struct {
	ID string // physical interface ID this transport reports (spec §4.A)

	Address string // host:port of the CUNO/COC TCP listener

	// StackPosition: see cul.Config.StackPosition; COC and CUL share
	// the same daisy-chaining scheme.
	StackPosition int

	// DropFirstPacket: see cul.Config.DropFirstPacket. Defaults to
	// true.
	DropFirstPacket *bool

	DialTimeout time.Duration
	Logger      *log.Logger
}

// Transport drives a COC/CUNO device over TCP. It implements
// radio.Transport.
type Transport struct {
	cfg    Config
	prefix string

	mu   sync.Mutex
	conn net.Conn

	packets chan radio.Reception
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *log.Logger

	resend *resend.Scheduler

	updateMu   sync.Mutex
	updateOn   bool
	updateDest *[3]byte

	dropFirst bool
}

// New creates a Transport; the TCP connection is established lazily
// by StartListening so construction never blocks on hardware.
func New(cfg Config) *Transport {
	prefix := strings.Repeat("*", max0(cfg.StackPosition-1))
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	t := &Transport{
		cfg:       cfg,
		prefix:    prefix,
		packets:   make(chan radio.Reception, 16),
		logger:    logger,
		dropFirst: cfg.DropFirstPacket == nil || *cfg.DropFirstPacket,
	}
	t.resend = resend.New(cocResendSender{t}, logger)
	return t
}

// cocResendSender lets internal/radio/resend retransmit a packet by
// re-writing the same "As<hex>\n" line, without going back through
// SendPacket (which would re-Schedule and recurse).
type cocResendSender struct{ t *Transport }

func (s cocResendSender) Resend(pkt *bidcos.Packet) error {
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		return err
	}
	return s.t.write("As" + hexPkt + "\n")
}

func max0(v int) int {
	if v > 0 {
		return v
	}
	return 0
}

func (t *Transport) ID() string { return t.cfg.ID }

func (t *Transport) Capabilities() radio.Capabilities {
	return radio.Capabilities{AESSupported: false, AutoResend: true, NeedsPeers: false}
}

func (t *Transport) Packets() <-chan radio.Reception { return t.packets }

func (t *Transport) write(cmd string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return radio.NewError(radio.ErrFatalIO, "coc.write", errNotConnected)
	}
	_, err := conn.Write([]byte(t.prefix + cmd))
	return err
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "coc: not connected" }

// SendPacket mirrors COC::forceSendPacket's "As"+hex+"\n" followed by
// re-enabling reception with "Ar\n", then schedules the
// +200ms/+400ms auto-resend pair (spec §4.A). While update mode is
// active, only packets destined for the address the update is in
// progress for are transmitted; any other destination is silently
// dropped with an info log (spec §8 scenario 6), and the trailing
// "Ar" is skipped.
func (t *Transport) SendPacket(pkt *bidcos.Packet) error {
	t.updateMu.Lock()
	updating := t.updateOn
	if updating {
		if t.updateDest == nil {
			dest := pkt.Dest
			t.updateDest = &dest
		} else if *t.updateDest != pkt.Dest {
			t.updateMu.Unlock()
			t.logger.Printf("coc[%s]: update mode active for %x, dropping packet to %x", t.cfg.ID, *t.updateDest, pkt.Dest)
			return nil
		}
	}
	t.updateMu.Unlock()

	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		return radio.NewError(radio.ErrProtocol, "coc.SendPacket: encode", err)
	}
	if err := t.write("As" + hexPkt + "\n"); err != nil {
		return radio.NewError(radio.ErrFatalIO, "coc.SendPacket: write", err)
	}
	if !updating {
		if err := t.write("Ar\n"); err != nil {
			return radio.NewError(radio.ErrFatalIO, "coc.SendPacket: write Ar", err)
		}
	}
	t.resend.Schedule(pkt)
	return nil
}

func (t *Transport) EnableUpdateMode() error {
	if err := t.write("AR\n"); err != nil {
		return err
	}
	t.updateMu.Lock()
	t.updateOn = true
	t.updateDest = nil
	t.updateMu.Unlock()
	return nil
}

func (t *Transport) DisableUpdateMode() error {
	t.updateMu.Lock()
	t.updateOn = false
	t.updateDest = nil
	t.updateMu.Unlock()
	return t.write("X21\nAr\n")
}

func (t *Transport) AddPeer(info radio.PeerInfo) error        { return nil }
func (t *Transport) RemovePeer(addr [3]byte) error            { return nil }
func (t *Transport) SetWakeUp(addr [3]byte, wakeUp bool) error { return nil }
func (t *Transport) SetAES(addr [3]byte, channel uint8, enabled bool) error {
	return nil
}

// StartListening dials the CUNO/COC TCP listener, resets its receive
// filter and starts the reconnecting line-reading loop.
func (t *Transport) StartListening(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", t.cfg.Address, t.cfg.DialTimeout)
	if err != nil {
		return radio.NewError(radio.ErrFatalIO, "coc.StartListening: dial", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if err := t.write("X21\n"); err != nil {
		return radio.NewError(radio.ErrFatalIO, "coc.StartListening: X21", err)
	}
	if err := t.write("Ar\n"); err != nil {
		return radio.NewError(radio.ErrFatalIO, "coc.StartListening: Ar", err)
	}

	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.listenLoop(ctx)
	return nil
}

func (t *Transport) StopListening() error {
	if t.stopCh != nil {
		close(t.stopCh)
	}
	t.resend.Stop()
	t.mu.Lock()
	var err error
	if t.conn != nil {
		// Also wakes a listenLoop blocked in ReadLine.
		err = t.conn.Close()
	}
	t.mu.Unlock()
	if t.doneCh != nil {
		<-t.doneCh
	}
	return err
}

// listenLoop reconnects on a genuine I/O failure or an oversized
// frame (spec §7 Fatal I/O: TCP semantics make "close and reopen" a
// plain reconnect here, unlike CUL's serial device). A too-short
// frame is not an I/O failure and must not trigger a reconnect; it is
// silently ignored and the loop continues reading from the same
// connection. The very first anomaly of either kind after
// (re)connecting is absorbed without any of this, mirroring the stick
// emitting garbage right after being opened (Cul::_firstPacket; COC
// shares the same firmware family).
func (t *Transport) listenLoop(ctx context.Context) {
	defer close(t.doneCh)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("coc[%s]: listen loop panic: %v", t.cfg.ID, r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		reader := asciiframe.NewReader(conn)
		firstAnomaly := t.dropFirst
	readLines:
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			default:
			}
			line, err := reader.ReadLine()
			if err != nil {
				if errors.Is(err, asciiframe.ErrFrameTooShort) {
					if firstAnomaly {
						firstAnomaly = false
					}
					continue
				}
				if errors.Is(err, asciiframe.ErrFrameTooLong) {
					if firstAnomaly {
						firstAnomaly = false
						t.logger.Printf("coc[%s]: ignoring oversized first line after connect (device often emits garbage)", t.cfg.ID)
						continue
					}
					t.logger.Printf("coc[%s]: too-large packet received, assuming desync; reconnecting", t.cfg.ID)
					break readLines
				}
				t.logger.Printf("coc[%s]: connection lost: %v; reconnecting", t.cfg.ID, err)
				break readLines
			}
			t.handleLine(line)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-time.After(5 * time.Second):
		}

		newConn, err := net.DialTimeout("tcp", t.cfg.Address, t.cfg.DialTimeout)
		if err != nil {
			t.logger.Printf("coc[%s]: reconnect failed: %v", t.cfg.ID, err)
			continue
		}
		t.mu.Lock()
		t.conn = newConn
		t.mu.Unlock()
		t.write("X21\n")
		t.write("Ar\n")
	}
}

func (t *Transport) handleLine(line asciiframe.Line) {
	// A stacked radio's receptions carry its prefix, so the reader saw
	// them as plain text: parse them again without it, keeping the
	// prefixed Raw for the filter below.
	if t.prefix != "" && strings.HasPrefix(line.Raw, t.prefix) {
		if parsed, err := asciiframe.ParseLine(strings.TrimPrefix(line.Raw, t.prefix)); err == nil && parsed.Kind == asciiframe.KindPacket {
			parsed.Raw = line.Raw
			line = parsed
		}
	}
	switch line.Kind {
	case asciiframe.KindPacket:
		if t.prefix != "" {
			if !strings.HasPrefix(line.Raw, t.prefix) || strings.HasPrefix(strings.TrimPrefix(line.Raw, t.prefix), "*") {
				return
			}
		}
		t.handleResendSignals(line.Packet)
		select {
		case t.packets <- radio.Reception{Packet: line.Packet, RSSI: line.Packet.RSSI, Interface: t.cfg.ID}:
		default:
			t.logger.Printf("coc[%s]: packet channel full, dropping reception", t.cfg.ID)
		}
	case asciiframe.KindOther:
		if strings.HasPrefix(line.Raw, "LOVF") {
			t.logger.Printf("coc[%s]: reached 1%% duty cycle limit, must wait before sending again", t.cfg.ID)
			metrics.DutyCycleLimitHits.WithLabelValues(t.cfg.ID).Inc()
		}
	}
}

// handleResendSignals cancels or reschedules any pending auto-resend
// for pkt.Source: an ACK cancels it, an AES challenge (disambiguated
// from a plain ACK by payload length, since both share Cmd==0x02 on
// the wire) reschedules it to cover handshake latency (spec §4.A).
func (t *Transport) handleResendSignals(pkt *bidcos.Packet) {
	if pkt.Cmd != bidcos.Ack {
		return
	}
	if len(pkt.Payload) == aes.ChallengeSize {
		t.resend.Reschedule(pkt.Source)
	} else {
		t.resend.Cancel(pkt.Source)
	}
}
