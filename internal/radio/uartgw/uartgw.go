// Package uartgw adapts the teacher's internal/uartgw (and
// bidcos.Sender, which speaks its frame shape) to radio.Transport, so
// an HM-MOD-RPI-PCB gateway can be driven through the same Central/
// QueueManager machinery as CUL, COC/CUNO and CC1101 instead of via
// the original hard-wired single-gateway main loop.
package uartgw

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/radio"
	hwuartgw "github.com/stapelberg/bidcosgw/internal/uartgw"
)

// Config configures the adapter.
type Config struct {
	ID string // physical interface ID this transport reports (spec §4.A)

	Logger *log.Logger
}

// Transport wraps a *hwuartgw.UARTGW (already initialized: paired with
// the CCU's own HMID, time-synced, in App mode) and a bidcos.Sender
// bound to the gateway's own address, presenting them as a
// radio.Transport.
type Transport struct {
	cfg    Config
	gw     *hwuartgw.UARTGW
	sender *bidcos.Sender

	packets chan radio.Reception
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *log.Logger
}

// New wraps gw (already initialized via hwuartgw.NewUARTGW) as a
// radio.Transport reporting the BidCoS address myAddress.
func New(gw *hwuartgw.UARTGW, myAddress [3]byte, cfg Config) (*Transport, error) {
	sender, err := bidcos.NewSender(gw, myAddress)
	if err != nil {
		return nil, fmt.Errorf("uartgw adapter: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		cfg:     cfg,
		gw:      gw,
		sender:  sender,
		packets: make(chan radio.Reception, 16),
		logger:  logger,
	}, nil
}

func (t *Transport) ID() string { return t.cfg.ID }

func (t *Transport) Capabilities() radio.Capabilities {
	return radio.Capabilities{AESSupported: false, AutoResend: false, NeedsPeers: true}
}

func (t *Transport) Packets() <-chan radio.Reception { return t.packets }

func (t *Transport) SendPacket(pkt *bidcos.Packet) error {
	if err := t.sender.WritePacket(pkt); err != nil {
		return radio.NewError(radio.ErrFatalIO, "uartgw.SendPacket", err)
	}
	return nil
}

// AddPeer registers addr with the coprocessor's own peer table (the
// HM-MOD-RPI-PCB needs peers provisioned on-device before it will
// accept their frames), mirroring hwuartgw.UARTGW.AddPeer.
func (t *Transport) AddPeer(info radio.PeerInfo) error {
	channels := len(info.AESChannels)
	if err := t.gw.AddPeer(info.Address[:], channels); err != nil {
		return radio.NewError(radio.ErrFatalIO, "uartgw.AddPeer", err)
	}
	return nil
}

// RemovePeer is not implemented: hwuartgw defines the AppRemovePeer
// command code but has no method that sends it (only AddPeer). Not
// core (spec §1's pairing policy is explicitly minimal), so this
// returns an error rather than silently no-op'ing.
func (t *Transport) RemovePeer(addr [3]byte) error {
	return radio.NewError(radio.ErrProtocol, "uartgw.RemovePeer", fmt.Errorf("not implemented for HM-MOD-RPI-PCB"))
}

func (t *Transport) SetWakeUp(addr [3]byte, wakeUp bool) error {
	return nil
}

func (t *Transport) SetAES(addr [3]byte, channel uint8, enabled bool) error {
	return nil
}

func (t *Transport) EnableUpdateMode() error  { return nil }
func (t *Transport) DisableUpdateMode() error { return nil }

// StartListening polls ReadPacket in a loop (the HM-MOD-RPI-PCB's
// protocol is confirm-driven rather than interrupt-driven, so there
// is no separate ACK handshake to wait on at this layer).
func (t *Transport) StartListening(ctx context.Context) error {
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.listenLoop(ctx)
	return nil
}

func (t *Transport) StopListening() error {
	if t.stopCh != nil {
		close(t.stopCh)
		<-t.doneCh
	}
	return nil
}

func (t *Transport) listenLoop(ctx context.Context) {
	defer close(t.doneCh)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("uartgw[%s]: listen loop panic: %v", t.cfg.ID, r)
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

		pkt, err := t.sender.ReadPacket()
		if err != nil {
			t.logger.Printf("uartgw[%s]: reading packet: %v", t.cfg.ID, err)
			time.Sleep(time.Second)
			continue
		}
		select {
		case t.packets <- radio.Reception{Packet: pkt, RSSI: pkt.RSSI, Interface: t.cfg.ID}:
		default:
			t.logger.Printf("uartgw[%s]: packet channel full, dropping reception", t.cfg.ID)
		}
	}
}
