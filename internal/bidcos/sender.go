package bidcos

import (
	"fmt"
	"io"
)

// Gateway is anything that can carry BidCoS frames to and from a
// radio module that itself confirms receipt (the HM-MOD-RPI-PCB
// UARTGW, accessed over internal/uartgw).
type Gateway interface {
	io.ReadWriter
	Confirm() error
}

// Sender is a convenience wrapper around a Gateway which fills in the
// BidCoS source address for outgoing packets, automatically confirms
// outgoing packets and decodes incoming packets. It speaks the
// UARTGW-specific frame shape (see EncodeUARTGW/DecodeUARTGW); radio
// transports that speak the generic wire format (CUL, COC/CUNO,
// CC1101) implement internal/radio.Transport directly instead.
type Sender struct {
	Gateway Gateway
	Addr    [3]byte
}

func NewSender(gw Gateway, addr [3]byte) (*Sender, error) {
	if got, want := len(addr), 3; got != want {
		return nil, fmt.Errorf("unexpected address length: got %d, want %d", got, want)
	}
	return &Sender{
		Gateway: gw,
		Addr:    addr,
	}, nil
}

func (s *Sender) ReadPacket() (*Packet, error) {
	// 17 byte BidCoS maximum observed payload + 12 bytes fixed UARTGW overhead
	var buf [17 + 12]byte
	n, err := s.Gateway.Read(buf[:])
	if err != nil {
		return nil, err
	}
	return DecodeUARTGW(buf[:n])
}

func (s *Sender) WritePacket(pkt *Packet) error {
	pkt.Source = s.Addr
	_, err := s.Gateway.Write(pkt.EncodeUARTGW())
	if err != nil {
		return err
	}
	return s.Gateway.Confirm()
}
