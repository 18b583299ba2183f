package cc1101

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/stapelberg/bidcosgw/internal/bidcos"
	"github.com/stapelberg/bidcosgw/internal/radio"
)

// CC1101 SPI header bits (burst/single, read/write), c.f. TICC1100's
// writeRegister/readRegisters and sx1231's writeReg/readReg (the
// access pattern — addr|0x80 for read, addr|0x40 for burst — is
// shared across TI/Semtech sub-GHz transceivers).
const (
	headerWrite = 0x00
	headerRead  = 0x80
	headerBurst = 0x40

	addrFIFO   = 0x3F
	addrPATABLE = 0x3E
)

// Command strobes, c.f. TICC1100::CommandStrobes::Enum.
const (
	strobeSRES  = 0x30 // reset
	strobeSFSTX = 0x31 // enable/calibrate freq synth for TX
	strobeSTX   = 0x35 // enable TX
	strobeSRX   = 0x34 // enable RX
	strobeSIDLE = 0x36 // exit RX/TX, turn off freq synth
	strobeSFRX  = 0x3A // flush RX FIFO
)

// Config configures one CC1101 SPI transport instance. Grounded on
// TICC1100's settings (oscillatorFrequency, interruptPin,
// txPowerSetting) plus the SPI bus/GPIO plumbing sx1231.New performs
// against periph.io devices.
type Config struct {
	ID string // physical interface ID this transport reports (spec §4.A)

	SPIBus      string // e.g. "/dev/spidev0.0", empty = periph default
	InterruptGPIO string // GDO pin name, e.g. "GPIO25"

	Oscillator   OscillatorFrequency
	InterruptPin InterruptPin
	TxPower      byte

	Logger *log.Logger
}

// Transport drives a CC1101 radio over SPI. It implements
// radio.Transport; see package doc for the obfuscation grounding.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	conn spi.Conn
	intr gpio.PinIO

	packets chan radio.Reception
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *log.Logger
}

// New opens the SPI bus and interrupt GPIO named in cfg and returns a
// Transport ready for StartListening. Callers must have already run
// periph's host.Init() (done once in cmd/bidcosgwd, not per-transport,
// mirroring how sx1231.New expects an already-opened devices.SPI).
func New(cfg Config) (*Transport, error) {
	port, err := spireg.Open(cfg.SPIBus)
	if err != nil {
		return nil, radio.NewError(radio.ErrFatalIO, "cc1101.New: open spi", err)
	}
	conn, err := port.Connect(6*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, radio.NewError(radio.ErrFatalIO, "cc1101.New: connect spi", err)
	}

	intr := gpioreg.ByName(cfg.InterruptGPIO)
	if intr == nil {
		return nil, radio.NewError(radio.ErrFatalIO, "cc1101.New: gpio not found", fmt.Errorf("%s", cfg.InterruptGPIO))
	}
	if err := intr.In(gpio.PullNoChange, gpio.RisingEdge); err != nil {
		return nil, radio.NewError(radio.ErrFatalIO, "cc1101.New: configure interrupt pin", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	t := &Transport{
		cfg:     cfg,
		conn:    conn,
		intr:    intr,
		packets: make(chan radio.Reception, 16),
		logger:  logger,
	}
	return t, nil
}

func (t *Transport) ID() string { return t.cfg.ID }

func (t *Transport) Capabilities() radio.Capabilities {
	return radio.Capabilities{AESSupported: true, AutoResend: false, NeedsPeers: false}
}

func (t *Transport) Packets() <-chan radio.Reception { return t.packets }

// transact issues one SPI transaction and returns the bytes clocked
// back, mirroring sx1231.Radio's Lock-wrapped Tx calls.
func (t *Transport) transact(w []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := make([]byte, len(w))
	if err := t.conn.Tx(w, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *Transport) strobe(cmd byte) error {
	_, err := t.transact([]byte{cmd})
	return err
}

func (t *Transport) writeRegister(addr, value byte) error {
	_, err := t.transact([]byte{addr | headerWrite, value})
	return err
}

func (t *Transport) writeBurst(startAddr byte, values []byte) error {
	w := make([]byte, len(values)+1)
	w[0] = startAddr | headerBurst
	copy(w[1:], values)
	_, err := t.transact(w)
	return err
}

func (t *Transport) readRegister(addr byte) (byte, error) {
	r, err := t.transact([]byte{addr | headerRead, 0})
	if err != nil {
		return 0, err
	}
	return r[1], nil
}

func (t *Transport) readBurst(startAddr byte, n int) ([]byte, error) {
	w := make([]byte, n+1)
	w[0] = startAddr | headerRead | headerBurst
	r, err := t.transact(w)
	if err != nil {
		return nil, err
	}
	return r[1:], nil
}

// initChip writes the register table (registers.go) and the
// SmartRF-Studio-derived FSTEST/TEST2/TEST1/PATABLE values, exactly
// as TICC1100::initChip does, then flushes the RX FIFO and switches
// to receive.
func (t *Transport) initChip() error {
	if err := t.strobe(strobeSRES); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.initChip: reset", err)
	}
	time.Sleep(100 * time.Microsecond)

	_, values := registerTable(t.cfg.Oscillator, t.cfg.InterruptPin)
	if err := t.writeBurst(0x00, values); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.initChip: write table", err)
	}

	postAddrs, postValues := postConfigRegisters(t.cfg.TxPower)
	for i, addr := range postAddrs {
		if err := t.writeRegister(addr, postValues[i]); err != nil {
			return radio.NewError(radio.ErrFatalIO, "cc1101.initChip: write post-config register", err)
		}
	}

	if err := t.strobe(strobeSFRX); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.initChip: flush rx fifo", err)
	}
	return t.strobe(strobeSRX)
}

// StartListening initializes the chip and begins the interrupt-driven
// receive loop, closing t.packets and returning when ctx is canceled
// or stopCh fires. Mirrors sx1231.Radio.worker's select-on-interrupt
// loop, adapted to the variable-length BidCoS frame and the CC1101's
// whitening instead of the sx1231's native framing.
func (t *Transport) StartListening(ctx context.Context) error {
	if err := t.initChip(); err != nil {
		return err
	}

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
			t.logger.Printf("cc1101[%s]: listen loop panic: %v", t.cfg.ID, r)
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

		if !t.intr.WaitForEdge(500 * time.Millisecond) {
			continue
		}
		t.receiveOne()
	}
}

// receiveOne reads one frame out of the FIFO: the length byte, then
// length further bytes (which include the whitened payload and the
// RSSI/LQI status bytes CC1101 appends when APPEND_STATUS is set).
func (t *Transport) receiveOne() {
	lengthByte, err := t.readRegister(addrFIFO | headerBurst)
	if err != nil {
		t.logger.Printf("cc1101[%s]: reading fifo length: %v", t.cfg.ID, err)
		return
	}
	if lengthByte == 0 {
		return
	}

	rest, err := t.readBurst(addrFIFO, int(lengthByte)+2) // +2 status bytes
	if err != nil {
		t.logger.Printf("cc1101[%s]: reading fifo payload: %v", t.cfg.ID, err)
		return
	}

	encoded := append([]byte{lengthByte}, rest[:lengthByte]...)
	decoded := deobfuscate(encoded)

	rssiRaw := int8(rest[lengthByte])
	lqi := rest[lengthByte+1]
	if lqi&0x80 == 0 { // CRC_OK bit unset
		t.logger.Printf("cc1101[%s]: dropping frame with bad CRC", t.cfg.ID)
		return
	}

	pkt, err := bidcos.DecodeWire(decoded)
	if err != nil {
		t.logger.Printf("cc1101[%s]: decoding wire frame: %v", t.cfg.ID, err)
		return
	}
	pkt.RSSI = rssiToDBm(rssiRaw)
	pkt.ReceivedAt = time.Now()

	select {
	case t.packets <- radio.Reception{Packet: pkt, RSSI: pkt.RSSI, Interface: t.cfg.ID}:
	default:
		t.logger.Printf("cc1101[%s]: packet channel full, dropping reception", t.cfg.ID)
	}
}

// rssiToDBm converts the CC1101's raw RSSI register reading to dBm,
// per the datasheet's two's-complement/offset formula (the same shape
// TICC1100 and sx1231 both apply to their respective chips' RSSI
// registers).
func rssiToDBm(raw int8) int8 {
	const rssiOffset = 74
	v := int(raw)
	if v >= 128 {
		v -= 256
	}
	return int8(v/2 - rssiOffset)
}

// SendPacket encodes pkt to the generic wire format, obfuscates it,
// and pushes it through the CC1101 FIFO in TX mode, as
// TICC1100::forceSendPacket does.
func (t *Transport) SendPacket(pkt *bidcos.Packet) error {
	decoded, err := pkt.EncodeWire()
	if err != nil {
		return radio.NewError(radio.ErrProtocol, "cc1101.SendPacket: encode", err)
	}
	encoded := obfuscate(decoded)

	if err := t.strobe(strobeSIDLE); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.SendPacket: idle", err)
	}
	if err := t.strobe(strobeSFRX); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.SendPacket: flush", err)
	}
	if err := t.writeBurst(addrFIFO, encoded); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.SendPacket: fill fifo", err)
	}
	if err := t.strobe(strobeSTX); err != nil {
		return radio.NewError(radio.ErrFatalIO, "cc1101.SendPacket: strobe tx", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		marcstate, err := t.readRegister(0x35 | headerRead)
		if err == nil && marcstate&0x1F == 0x01 { // IDLE
			break
		}
		time.Sleep(time.Millisecond)
	}
	return t.strobe(strobeSRX)
}

// EnableUpdateMode and DisableUpdateMode toggle the sniffing-mode
// behavior TICC1100 guards behind a commented-out call in
// startListening (see original_source); CC1101 firmware updates are
// out of scope (spec Non-goals), so these are no-ops that satisfy
// radio.Transport.
func (t *Transport) EnableUpdateMode() error  { return nil }
func (t *Transport) DisableUpdateMode() error { return nil }

// AddPeer, RemovePeer, SetWakeUp and SetAES are no-ops for CC1101:
// unlike the HM-MOD-RPI-PCB (which keeps a peer table on its
// coprocessor, see internal/radio/uartgw), CC1101 is a bare
// transceiver and all of that state lives in internal/peer and
// internal/aes instead (spec §4.A capability table, NeedsPeers=false).
func (t *Transport) AddPeer(info radio.PeerInfo) error        { return nil }
func (t *Transport) RemovePeer(addr [3]byte) error            { return nil }
func (t *Transport) SetWakeUp(addr [3]byte, wakeUp bool) error { return nil }
func (t *Transport) SetAES(addr [3]byte, channel uint8, enabled bool) error {
	return nil
}
