// Package cul implements the CUL USB-stick BidCoS transport: an ASCII
// line protocol ("As<hex>" to send, "A<hex>" async receptions) over a
// 38400 baud serial port.
//
// Grounded on Homegear-HomeMaticBidCoS's Cul
// (_examples/original_source/src/PhysicalInterfaces/Cul.cpp):
// forceSendPacket's "As"+hex+"\n"+"Ar\n" write sequence, setupDevice's
// termios configuration, and listen()'s packetHex.size() boundary
// checks (too-short lines ignored, too-long lines desync-recover by
// closing and reopening the device, except the first anomalous line
// after open, which Cul::_firstPacket absorbs silently since the
// stick often emits garbage right after being opened). Stack-prefix
// daisy-chaining (multiple CUL sticks sharing one serial line) is
// grounded on COC.cpp's stackPrefix handling (COC shares the same
// ASCII protocol family as CUL). Update-mode gating and the
// 200/400/600/1200ms auto-resend schedule are grounded on the same
// file's updateMode/resend call sites (spec §4.A).
package cul

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/stapelberg/bidcosgw/internal/aes"
	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/metrics"
	"github.com/stapelberg/bidcosgw/internal/radio"
	"github.com/stapelberg/bidcosgw/internal/radio/asciiframe"
	"github.com/stapelberg/bidcosgw/internal/radio/resend"
	"github.com/stapelberg/bidcosgw/internal/serial"
)

// errDesync is returned internally by readLoop when a reception
// indicates the stick has desynced (an oversized frame); the
// supervisor loop reacts by closing and reopening the device.
var errDesync = errors.New("cul: desynced (oversized frame received)")

// Config configures one CUL transport instance.
type Config struct {
	ID string // physical interface ID this transport reports (spec §4.A)

	// StackPosition is 1 for the only (or first) CUL stick on a
	// shared serial line, 2 for the second, and so on. Positions
	// above 1 prefix every command with (StackPosition-1) '*'
	// characters and only accept receptions carrying that same
	// prefix, exactly as COC::stackPrefix does.
	StackPosition int

	// DropFirstPacket silently absorbs the first too-short or
	// too-long reception after StartListening without triggering its
	// usual handling (Cul::_firstPacket: "the stick often emits
	// garbage" right after being opened). Defaults to true.
	DropFirstPacket *bool

	Logger *log.Logger
}

// Device is the open serial connection a Transport reads/writes;
// satisfied by *os.File after internal/serial.Configure, or by a test
// double.
type Device interface {
	io.ReadWriteCloser
}

// Transport drives a CUL stick over a serial line. It implements
// radio.Transport.
type Transport struct {
	cfg        Config
	prefix     string
	devicePath string // empty unless opened via Open; gates reopenDevice

	dev     Device
	writeMu sync.Mutex

	packets chan radio.Reception
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastPacketSent time.Time
	logger         *log.Logger

	resend *resend.Scheduler

	updateMu   sync.Mutex
	updateOn   bool
	updateDest *[3]byte

	dropFirst bool
}

// Open opens devicePath as a 38400 baud serial port (Cul::setupDevice)
// and returns a Transport ready for StartListening.
func Open(devicePath string, cfg Config) (*Transport, error) {
	f, err := openSerial(devicePath)
	if err != nil {
		return nil, radio.NewError(radio.ErrFatalIO, "cul.Open: open device", err)
	}
	t := New(f, cfg)
	t.devicePath = devicePath
	return t, nil
}

// New wraps an already-open Device (used directly by tests, and by
// Open for real hardware).
func New(dev Device, cfg Config) *Transport {
	prefix := strings.Repeat("*", max(cfg.StackPosition-1, 0))
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	t := &Transport{
		cfg:       cfg,
		prefix:    prefix,
		dev:       dev,
		packets:   make(chan radio.Reception, 16),
		logger:    logger,
		dropFirst: cfg.DropFirstPacket == nil || *cfg.DropFirstPacket,
	}
	t.resend = resend.New(culResendSender{t}, logger)
	return t
}

// culResendSender lets internal/radio/resend retransmit a packet by
// re-writing the same "As<hex>\n" line, without going back through
// SendPacket (which would re-Schedule and recurse).
type culResendSender struct{ t *Transport }

func (s culResendSender) Resend(pkt *bidcos.Packet) error {
	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		return err
	}
	return s.t.write("As" + hexPkt + "\n")
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (t *Transport) ID() string { return t.cfg.ID }

func (t *Transport) Capabilities() radio.Capabilities {
	return radio.Capabilities{AESSupported: false, AutoResend: true, NeedsPeers: false}
}

func (t *Transport) Packets() <-chan radio.Reception { return t.packets }

// write sends a raw command, prefixed by the stack prefix.
func (t *Transport) write(cmd string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := io.WriteString(t.dev, t.prefix+cmd)
	return err
}

// SendPacket writes "As<hex>\n" followed by "Ar\n" (re-enable
// reception) unless update mode is active, exactly as
// Cul::forceSendPacket, then schedules the +200ms/+400ms auto-resend
// pair (spec §4.A). While update mode is active, only packets destined
// for the address the update is in progress for are transmitted; any
// other destination is silently dropped with an info log (spec §8
// scenario 6), and the trailing "Ar" is skipped.
func (t *Transport) SendPacket(pkt *bidcos.Packet) error {
	t.updateMu.Lock()
	updating := t.updateOn
	if updating {
		if t.updateDest == nil {
			dest := pkt.Dest
			t.updateDest = &dest
		} else if *t.updateDest != pkt.Dest {
			t.updateMu.Unlock()
			t.logger.Printf("cul[%s]: update mode active for %x, dropping packet to %x", t.cfg.ID, *t.updateDest, pkt.Dest)
			return nil
		}
	}
	t.updateMu.Unlock()

	hexPkt, err := pkt.EncodeHex()
	if err != nil {
		return radio.NewError(radio.ErrProtocol, "cul.SendPacket: encode", err)
	}
	if err := t.write("As" + hexPkt + "\n"); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cul.SendPacket: write", err)
	}
	if !updating {
		if err := t.write("Ar\n"); err != nil {
			return radio.NewError(radio.ErrFatalIO, "cul.SendPacket: write Ar", err)
		}
	}
	t.lastPacketSent = time.Now()
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

// AddPeer, RemovePeer, SetWakeUp and SetAES are no-ops: CUL is a bare
// ASCII radio modem with no onboard AES/peer tables, same rationale as
// internal/radio/cc1101.
func (t *Transport) AddPeer(info radio.PeerInfo) error        { return nil }
func (t *Transport) RemovePeer(addr [3]byte) error            { return nil }
func (t *Transport) SetWakeUp(addr [3]byte, wakeUp bool) error { return nil }
func (t *Transport) SetAES(addr [3]byte, channel uint8, enabled bool) error {
	return nil
}

// StartListening resets the receive filter (X21, the "report all
// packets including repeated ones" mode Cul::readFromDevice falls
// back to after reopening the device) and enables reception, then
// starts the supervising listen loop.
func (t *Transport) StartListening(ctx context.Context) error {
	if err := t.write("X21\n"); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cul.StartListening: X21", err)
	}
	if err := t.write("Ar\n"); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cul.StartListening: Ar", err)
	}

	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.listenSupervisor(ctx)
	return nil
}

func (t *Transport) StopListening() error {
	if t.stopCh != nil {
		close(t.stopCh)
		<-t.doneCh
	}
	t.resend.Stop()
	return t.dev.Close()
}

// listenSupervisor runs readLoop and, when it signals a desync,
// reopens the device and resumes (spec §7 Fatal I/O: "close device,
// back off 1-5s, reopen, reinitialize, resume listening").
func (t *Transport) listenSupervisor(ctx context.Context) {
	defer close(t.doneCh)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("cul[%s]: listen loop panic: %v", t.cfg.ID, r)
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

		err := t.readLoop(ctx)
		if err == nil || err == io.EOF {
			return
		}
		if !errors.Is(err, errDesync) {
			return
		}
		t.logger.Printf("cul[%s]: too-large packet received, assuming desync; closing and reopening device", t.cfg.ID)
		if rerr := t.reopenDevice(ctx); rerr != nil {
			t.logger.Printf("cul[%s]: reopen after desync failed: %v", t.cfg.ID, rerr)
			return
		}
	}
}

// reopenDevice closes the current device, backs off, reopens it by
// devicePath and reinitializes the receive filter. Only possible for
// transports constructed via Open; a Transport wrapping an injected
// Device (tests) gives up instead, matching a real unrecoverable I/O
// failure.
func (t *Transport) reopenDevice(ctx context.Context) error {
	t.dev.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopCh:
		return fmt.Errorf("cul: stopped during reopen backoff")
	case <-time.After(2 * time.Second):
	}

	if t.devicePath == "" {
		return fmt.Errorf("cul: cannot reopen a transport without a device path")
	}
	f, err := openSerial(t.devicePath)
	if err != nil {
		return err
	}
	t.dev = f
	if err := t.write("X21\n"); err != nil {
		return err
	}
	return t.write("Ar\n")
}

// readLoop reads lines until stopped, the device is closed (io.EOF),
// or a desync is detected (errDesync). It owns the per-open
// first-anomaly suppression state.
func (t *Transport) readLoop(ctx context.Context) error {
	reader := asciiframe.NewReader(t.dev)
	firstAnomaly := t.dropFirst

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCh:
			return nil
		default:
		}

		line, err := reader.ReadLine()
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			if errors.Is(err, asciiframe.ErrFrameTooLong) {
				if firstAnomaly {
					firstAnomaly = false
					t.logger.Printf("cul[%s]: ignoring oversized first line after open (stick often emits garbage)", t.cfg.ID)
					continue
				}
				return errDesync
			}
			if errors.Is(err, asciiframe.ErrFrameTooShort) {
				firstAnomaly = false
				continue
			}
			t.logger.Printf("cul[%s]: reading line: %v", t.cfg.ID, err)
			continue
		}
		t.handleLine(line)
	}
}

func (t *Transport) handleLine(line asciiframe.Line) {
	// A stacked CUL's receptions carry its prefix, so the reader saw
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
			// A stacked CUL only reports receptions carrying its own
			// prefix; bare (non-prefixed, i.e. position-1) lines and
			// lines belonging to a different stack position are
			// ignored (COC::readFromDevice's stackPrefix filter).
			if !strings.HasPrefix(line.Raw, t.prefix) || strings.HasPrefix(strings.TrimPrefix(line.Raw, t.prefix), "*") {
				return
			}
		}
		t.handleResendSignals(line.Packet)
		select {
		case t.packets <- radio.Reception{Packet: line.Packet, RSSI: line.Packet.RSSI, Interface: t.cfg.ID}:
		default:
			t.logger.Printf("cul[%s]: packet channel full, dropping reception", t.cfg.ID)
		}
	case asciiframe.KindOther:
		if strings.HasPrefix(line.Raw, "LOVF") {
			t.logger.Printf("cul[%s]: reached 1%% duty cycle limit, must wait before sending again", t.cfg.ID)
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

func openSerial(devicePath string) (*os.File, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := serial.Configure(f.Fd(), 38400); err != nil {
		f.Close()
		return nil, fmt.Errorf("configuring serial port: %w", err)
	}
	// CUL needs ~2s after opening before it starts responding
	// (Cul::setupDevice sleeps here too).
	time.Sleep(2 * time.Second)
	return f, nil
}
