// Command bidcosgwd is the BidCoS gateway daemon: it loads a TOML
// configuration describing one or more physical radio interfaces,
// wires them into the transmit scheduler (internal/queue), the
// duplicate-packet cache (internal/packetmgr), the AES
// challenge/response engine (internal/aes) and the per-peer registry
// (internal/peer), and serves a status page plus Prometheus metrics.
//
// Grounded on the teacher's root ccu.go: flag-based configuration,
// gokrazy.WaitForClock() before touching the radio, an HTTP status +
// /metrics server, and a blocking main loop that exits the process on
// unrecoverable transport errors (log.Fatal) while logging and
// skipping recoverable per-packet ones.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
	"periph.io/x/host/v3"

	"github.com/gokrazy/gokrazy"

	"github.com/stapelberg/bidcosgw/internal/aes"
	"github.com/stapelberg/bidcosgw/internal/gpio"
	"github.com/stapelberg/bidcosgw/internal/packetmgr"
	"github.com/stapelberg/bidcosgw/internal/peer"
	"github.com/stapelberg/bidcosgw/internal/queue"
	"github.com/stapelberg/bidcosgw/internal/radio"
	"github.com/stapelberg/bidcosgw/internal/radio/cc1101"
	"github.com/stapelberg/bidcosgw/internal/radio/coc"
	"github.com/stapelberg/bidcosgw/internal/radio/cul"
	uartgwradio "github.com/stapelberg/bidcosgw/internal/radio/uartgw"
	"github.com/stapelberg/bidcosgw/internal/serial"
	hwuartgw "github.com/stapelberg/bidcosgw/internal/uartgw"
)

var configPath = flag.String("config", "/etc/bidcosgwd/config.toml", "path to the TOML configuration file")

// Config is the on-disk daemon configuration (spec §1/§6: ambient,
// not core, hence plain TOML via go-toml/v2 rather than a database).
type Config struct {
	Listen       string `toml:"listen"`
	PeerStore    string `toml:"peer_store"`
	MyAddress    string `toml:"my_address"`
	AESKey       string `toml:"aes_key"`       // 32 hex chars, empty disables AES
	AESKeyIndex  uint8  `toml:"aes_key_index"`

	CUL     []CULConfig     `toml:"cul"`
	COC     []COCConfig     `toml:"coc"`
	CC1101  []CC1101Config  `toml:"cc1101"`
	UARTGW  *UARTGWConfig   `toml:"uartgw"`
}

type CULConfig struct {
	ID            string `toml:"id"`
	Device        string `toml:"device"`
	StackPosition int    `toml:"stack_position"`

	// DropFirstPacket absorbs the first too-short or too-long line
	// received after StartListening (the stick often emits garbage
	// right after opening, spec §8 boundary cases); well-formed
	// packets are always delivered. Defaults to true; set to false to
	// disable.
	DropFirstPacket *bool `toml:"drop_first_packet"`
}

type COCConfig struct {
	ID            string `toml:"id"`
	Address       string `toml:"address"`
	StackPosition int    `toml:"stack_position"`

	// DropFirstPacket: see CULConfig.DropFirstPacket.
	DropFirstPacket *bool `toml:"drop_first_packet"`
}

type CC1101Config struct {
	ID            string `toml:"id"`
	SPIBus        string `toml:"spi_bus"`
	InterruptGPIO string `toml:"interrupt_gpio"`
	OscillatorHz  int64  `toml:"oscillator_hz"`
	TxPower       uint8  `toml:"tx_power"`
}

type UARTGWConfig struct {
	ID     string `toml:"id"`
	Device string `toml:"device"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8013"
	}
	if cfg.PeerStore == "" {
		cfg.PeerStore = "/var/lib/bidcosgwd/peers.json"
	}
	return &cfg, nil
}

func parseAddr3(s string) ([3]byte, error) {
	var addr [3]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 3 {
		return addr, fmt.Errorf("want 6 hex chars, got %q", s)
	}
	copy(addr[:], b)
	return addr, nil
}

func parseKey16(s string) ([16]byte, error) {
	var key [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return key, fmt.Errorf("want 32 hex chars, got %q", s)
	}
	copy(key[:], b)
	return key, nil
}

// transportAdapter bridges internal/radio.Transport (AddPeer/RemovePeer
// keyed on radio.PeerInfo/[3]byte) to internal/peer.TransportSender
// (keyed on peer.PeerInfo/peer.Address): distinct named types with
// identical fields, so Go's interface satisfaction rules need an
// explicit field-by-field adapter rather than a bare type assertion.
type transportAdapter struct {
	radio.Transport
}

func (a transportAdapter) AddPeer(info peer.PeerInfo) error {
	return a.Transport.AddPeer(radio.PeerInfo{
		Address:     info.Address,
		KeyIndex:    info.KeyIndex,
		WakeUp:      info.WakeUp,
		AESChannels: info.AESChannels,
	})
}

func (a transportAdapter) RemovePeer(addr peer.Address) error {
	return a.Transport.RemovePeer(addr)
}

func main() {
	flag.Parse()

	gokrazy.WaitForClock()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	myAddress := [3]byte{0xfd, 0xb0, 0x2c}
	if cfg.MyAddress != "" {
		myAddress, err = parseAddr3(cfg.MyAddress)
		if err != nil {
			log.Fatalf("my_address: %v", err)
		}
	}

	cache := packetmgr.NewCache()
	cache.Start()
	defer cache.Stop()

	queues := queue.NewManager()
	queues.Start()
	defer queues.Stop()

	central := peer.NewCentral(queues, cache)

	var handshake *aes.Handshake
	if cfg.AESKey != "" {
		key, err := parseKey16(cfg.AESKey)
		if err != nil {
			log.Fatalf("aes_key: %v", err)
		}
		handshake = aes.New(myAddress, key, cfg.AESKeyIndex)
		central.AES = handshake
	}

	store := peer.NewJSONStore(cfg.PeerStore)
	peers, err := store.LoadPeers()
	if err != nil {
		log.Fatalf("loading peer store: %v", err)
	}
	for _, p := range peers {
		central.AddPeer(p)
	}
	log.Printf("loaded %d peers from %s", len(peers), cfg.PeerStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transports []radio.Transport

	for _, c := range cfg.CUL {
		t, err := cul.Open(c.Device, cul.Config{ID: c.ID, StackPosition: c.StackPosition, DropFirstPacket: c.DropFirstPacket})
		if err != nil {
			log.Fatalf("cul %s: %v", c.ID, err)
		}
		transports = append(transports, t)
		central.RegisterTransport(transportAdapter{t})
	}

	for _, c := range cfg.COC {
		t := coc.New(coc.Config{ID: c.ID, Address: c.Address, StackPosition: c.StackPosition, DropFirstPacket: c.DropFirstPacket})
		transports = append(transports, t)
		central.RegisterTransport(transportAdapter{t})
	}

	if len(cfg.CC1101) > 0 {
		// cc1101.New opens the SPI port through periph's registry,
		// which is empty until the host drivers are registered.
		if _, err := host.Init(); err != nil {
			log.Fatalf("cc1101: initializing periph host drivers: %v", err)
		}
	}
	for _, c := range cfg.CC1101 {
		osc := cc1101.Osc26MHz
		if c.OscillatorHz == int64(cc1101.Osc27MHz) {
			osc = cc1101.Osc27MHz
		}
		t, err := cc1101.New(cc1101.Config{
			ID:            c.ID,
			SPIBus:        c.SPIBus,
			InterruptGPIO: c.InterruptGPIO,
			Oscillator:    osc,
			InterruptPin:  cc1101.InterruptPinGDO0,
			TxPower:       c.TxPower,
		})
		if err != nil {
			log.Fatalf("cc1101 %s: %v", c.ID, err)
		}
		transports = append(transports, t)
		central.RegisterTransport(transportAdapter{t})
	}

	if cfg.UARTGW != nil {
		uart, err := os.OpenFile(cfg.UARTGW.Device, os.O_EXCL|os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0600)
		if err != nil {
			log.Fatalf("uartgw %s: opening device: %v", cfg.UARTGW.ID, err)
		}
		if err := serial.Configure(uart.Fd(), 115200); err != nil {
			log.Fatalf("uartgw %s: configuring serial port: %v", cfg.UARTGW.ID, err)
		}
		if err := gpio.ResetUARTGW(uart.Fd()); err != nil {
			log.Fatalf("uartgw %s: resetting via GPIO: %v", cfg.UARTGW.ID, err)
		}
		if err := syscall.SetNonblock(int(uart.Fd()), false); err != nil {
			log.Fatalf("uartgw %s: clearing O_NONBLOCK: %v", cfg.UARTGW.ID, err)
		}
		gw, err := hwuartgw.NewUARTGW(uart, myAddress, time.Now())
		if err != nil {
			log.Fatalf("uartgw %s: initializing: %v", cfg.UARTGW.ID, err)
		}
		log.Printf("initialized UARTGW %s (firmware %s)", gw.SerialNumber, gw.FirmwareVersion)
		t, err := uartgwradio.New(gw, myAddress, uartgwradio.Config{ID: cfg.UARTGW.ID})
		if err != nil {
			log.Fatalf("uartgw %s: %v", cfg.UARTGW.ID, err)
		}
		transports = append(transports, t)
		central.RegisterTransport(transportAdapter{t})
	}

	if len(transports) == 0 {
		log.Fatal("no physical interfaces configured: add at least one [[cul]], [[coc]], [[cc1101]] or [uartgw] block")
	}

	// Transports with an onboard peer table (Capabilities().NeedsPeers,
	// e.g. the HM-MOD-RPI-PCB) must be re-told about every peer loaded
	// from the store on each restart; bare radios (CUL/COC/CC1101) keep
	// no peer state of their own and don't need this.
	transportsByID := make(map[string]radio.Transport, len(transports))
	for _, t := range transports {
		transportsByID[t.ID()] = t
	}
	for _, p := range peers {
		t, ok := transportsByID[p.PhysicalInterfaceID]
		if !ok || !t.Capabilities().NeedsPeers {
			continue
		}
		info := p.Info()
		if err := t.AddPeer(radio.PeerInfo{
			Address:     info.Address,
			KeyIndex:    info.KeyIndex,
			WakeUp:      info.WakeUp,
			AESChannels: info.AESChannels,
		}); err != nil {
			log.Printf("re-registering peer %x with %s: %v", p.Address, p.PhysicalInterfaceID, err)
		}
	}

	for _, t := range transports {
		if err := t.StartListening(ctx); err != nil {
			log.Fatalf("starting transport %s: %v", t.ID(), err)
		}
		go pumpReceptions(central, t)
	}

	if handshake != nil {
		go func() {
			ticker := time.NewTicker(aes.GCInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					handshake.CollectGarbage()
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.SavePeers(central.Peers()); err != nil {
					log.Printf("periodic peer store save: %v", err)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { handleCentralStatus(w, r, central) })
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.Printf("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down")
	cancel()
	for _, t := range transports {
		if err := t.StopListening(); err != nil {
			log.Printf("stopping transport %s: %v", t.ID(), err)
		}
	}
	if err := store.SavePeers(central.Peers()); err != nil {
		log.Printf("final peer store save: %v", err)
	}
}

// pumpReceptions drains t's reception channel for the lifetime of the
// process, deduplicating via the packet cache before handing each
// fresh reception to Central for routing. Mirrors ccu.go's main loop,
// generalized across however many transports are configured instead
// of a single hardcoded UARTGW.
func pumpReceptions(central *peer.Central, t radio.Transport) {
	for recv := range t.Packets() {
		addr := packetmgr.Address(recv.Packet.Source)
		if duplicate := central.Cache.Set(addr, recv.Packet); duplicate {
			continue
		}
		deliver, err := central.Route(t.ID(), recv.RSSI, recv.Packet)
		if err != nil {
			log.Printf("%s: routing packet from %x: %v", t.ID(), recv.Packet.Source, err)
			continue
		}
		if deliver == nil {
			continue // fully consumed by the AES handshake
		}
		// Device-specific decoding is not part of this daemon (spec
		// §1); this loop's job ends at routing.
	}
}

func handleCentralStatus(w http.ResponseWriter, r *http.Request, central *peer.Central) {
	peers := central.Peers()
	fmt.Fprintf(w, "<!DOCTYPE html>\n<title>bidcosgwd</title>\n<h1>Peers (%d)</h1>\n<table>\n", len(peers))
	fmt.Fprintf(w, "<tr><th>address</th><th>serial</th><th>interface</th><th>unreachable</th></tr>\n")
	for _, p := range peers {
		fmt.Fprintf(w, "<tr><td>%x</td><td>%s</td><td>%s</td><td>%v</td></tr>\n",
			p.Address, p.SerialNumber, p.PhysicalInterfaceID, p.IsUnreachable())
	}
	fmt.Fprintf(w, "</table>\n")
}
