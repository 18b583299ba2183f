package cc1101

// Register addresses, in the order TICC1100::initChip writes them
// starting at address 0x00. Grounded on
// _examples/original_source/src/PhysicalInterfaces/TICC1100.cpp,
// Registers::Enum and TICC1100::initChip.
const (
	regIOCFG2   = 0x00
	regIOCFG1   = 0x01
	regIOCFG0   = 0x02
	regFIFOTHR  = 0x03
	regSYNC1    = 0x04
	regSYNC0    = 0x05
	regPKTLEN   = 0x06
	regPKTCTRL1 = 0x07
	regPKTCTRL0 = 0x08
	regADDR     = 0x09
	regCHANNR   = 0x0A
	regFSCTRL1  = 0x0B
	regFSCTRL0  = 0x0C
	regFREQ2    = 0x0D
	regFREQ1    = 0x0E
	regFREQ0    = 0x0F
	regMDMCFG4  = 0x10
	regMDMCFG3  = 0x11
	regMDMCFG2  = 0x12
	regMDMCFG1  = 0x13
	regMDMCFG0  = 0x14
	regDEVIATN  = 0x15
	regMCSM2    = 0x16
	regMCSM1    = 0x17
	regMCSM0    = 0x18
	regFOCCFG   = 0x19
	regBSCFG    = 0x1A
	regAGCCTRL2 = 0x1B
	regAGCCTRL1 = 0x1C
	regAGCCTRL0 = 0x1D
	regWOREVT1  = 0x1E
	regWOREVT0  = 0x1F
	regWORCTRL  = 0x20
	regFREND1   = 0x21
	regFREND0   = 0x22
	regFSCAL3   = 0x23
	regFSCAL2   = 0x24
	regFSCAL1   = 0x25
	regFSCAL0   = 0x26
	regRCCTRL1  = 0x27
	regRCCTRL0  = 0x28

	regFSTEST = 0x29
	regTEST2  = 0x2C
	regTEST1  = 0x2D
	regPATABLE = 0x3E
)

// OscillatorFrequency selects which of the two register tables below
// applies; TICC1100 supports 26MHz and 27MHz crystals and picks the
// carrier/data-rate registers accordingly.
type OscillatorFrequency int

const (
	Osc26MHz OscillatorFrequency = 26000000
	Osc27MHz OscillatorFrequency = 27000000
)

// InterruptPin selects which GDO line (0 or 2) is wired to the host's
// interrupt pin (IOCFG 0x46); the other of the two is set to 0x5B,
// and GDO1 (IOCFG1) is left high-impedance. Mirrors
// TICC1100's settings->interruptPin handling of IOCFG0/IOCFG2.
type InterruptPin int

const (
	InterruptPinGDO0 InterruptPin = 0
	InterruptPinGDO2 InterruptPin = 2
)

// registerTable returns the full register-address -> value set for
// initChip, in (address, value) pairs, for the given oscillator and
// interrupt pin. The 26MHz and 27MHz tables differ only in FREQ2/1/0
// (base carrier), MDMCFG3 (data rate) and MDMCFG0 (channel spacing);
// FSCTRL1, MDMCFG4 and DEVIATN hold the same values for both crystals,
// as does the rest of the table.
func registerTable(osc OscillatorFrequency, interruptPin InterruptPin) (addrs []byte, values []byte) {
	gdo2 := byte(0x5B)
	gdo0 := byte(0x5B)
	if interruptPin == InterruptPinGDO2 {
		gdo2 = 0x46
	} else {
		gdo0 = 0x46
	}

	shared := []byte{
		gdo2,       // 00: IOCFG2
		0x2E,       // 01: IOCFG1 (high impedance)
		gdo0,       // 02: IOCFG0
		0x07,       // 03: FIFOTHR
		0xE9,       // 04: SYNC1
		0xCA,       // 05: SYNC0
		0xFF,       // 06: PKTLEN
		0x0C,       // 07: PKTCTRL1
		0x45,       // 08: PKTCTRL0
		0x00,       // 09: ADDR
		0x00,       // 0A: CHANNR
		0x06,       // 0B: FSCTRL1
		0x00,       // 0C: FSCTRL0
	}

	var freqAndRate []byte
	switch osc {
	case Osc27MHz:
		freqAndRate = []byte{
			0x20, 0x28, 0xC5, // 0D/0E/0F: FREQ2/1/0 (868.299911MHz @ 27MHz)
			0xC8, // 10: MDMCFG4
			0x84, // 11: MDMCFG3 (27MHz data rate)
			0x03, // 12: MDMCFG2
			0x22, // 13: MDMCFG1
			0xE5, // 14: MDMCFG0 (27MHz channel spacing)
			0x34, // 15: DEVIATN
		}
	default: // Osc26MHz
		freqAndRate = []byte{
			0x21, 0x65, 0x6A, // 0D/0E/0F: FREQ2/1/0 (868.299866MHz @ 26MHz)
			0xC8, // 10: MDMCFG4
			0x93, // 11: MDMCFG3 (26MHz data rate)
			0x03, // 12: MDMCFG2
			0x22, // 13: MDMCFG1
			0xF8, // 14: MDMCFG0 (26MHz channel spacing)
			0x34, // 15: DEVIATN
		}
	}

	tail := []byte{
		0x07, // 16: MCSM2
		0x30, // 17: MCSM1 (IDLE after RX, RX after TX)
		0x18, // 18: MCSM0
		0x16, // 19: FOCCFG
		0x6C, // 1A: BSCFG
		0x03, // 1B: AGCCTRL2
		0x40, // 1C: AGCCTRL1
		0x91, // 1D: AGCCTRL0
		0x87, // 1E: WOREVT1
		0x6B, // 1F: WOREVT0
		0xF8, // 20: WORCTRL
		0x56, // 21: FREND1
		0x10, // 22: FREND0
		0xE9, // 23: FSCAL3
		0x2A, // 24: FSCAL2
		0x00, // 25: FSCAL1
		0x1F, // 26: FSCAL0
		0x41, // 27: RCCTRL1
		0x00, // 28: RCCTRL0
	}

	values = append(values, shared...)
	values = append(values, freqAndRate...)
	values = append(values, tail...)

	addrs = make([]byte, len(values))
	for i := range addrs {
		addrs[i] = byte(i)
	}
	return addrs, values
}

// postConfigRegisters are written after the main table regardless of
// oscillator frequency; FSTEST/TEST2/TEST1 are fixed values taken
// straight from SmartRF Studio in the original source.
func postConfigRegisters(txPowerSetting byte) (addrs []byte, values []byte) {
	return []byte{regFSTEST, regTEST2, regTEST1, regPATABLE},
		[]byte{0x59, 0x81, 0x35, txPowerSetting}
}
