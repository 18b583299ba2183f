// Package cc1101 implements the CC1101 SPI BidCoS transport.
//
// Grounded on Homegear-HomeMaticBidCoS's TICC1100
// (_examples/original_source/src/PhysicalInterfaces/TICC1100.cpp):
// the byte-obfuscation ("whitening") algorithm in forceSendPacket is
// ported verbatim for encoding; decoding is its mathematical inverse,
// derived here since the retrieved source only contains the transmit
// path.
package cc1101

// obfuscate applies the CC1101 FIFO whitening TICC1100::forceSendPacket
// uses before writing a frame to the radio. decoded[0] is the on-wire
// length byte (itself left untouched); decoded[1] is flipped and
// XORed with a fixed constant; every following byte below index
// length is chained off the previous *encoded* byte, and the trailing
// checksum-like byte at index length is XORed with decoded[2].
// decoded must have at least
// 3 elements and decoded[0] must not exceed len(decoded)-1.
func obfuscate(decoded []byte) []byte {
	encoded := make([]byte, len(decoded))
	encoded[0] = decoded[0]
	encoded[1] = (^decoded[1]) ^ 0x89

	length := int(decoded[0])
	i := 2
	for ; i < length; i++ {
		encoded[i] = (encoded[i-1] + 0xDC) ^ decoded[i]
	}
	encoded[i] = decoded[i] ^ decoded[2]
	return encoded
}

// deobfuscate inverts obfuscate: it recovers decoded[1..] from an
// encoded FIFO read, byte by byte, since each encoded byte (other
// than the length and the final checksum-like byte) is only a
// function of the corresponding decoded byte and the *previous
// encoded* byte — both of which are already known while decoding
// left to right.
func deobfuscate(encoded []byte) []byte {
	decoded := make([]byte, len(encoded))
	decoded[0] = encoded[0]
	decoded[1] = (^(encoded[1] ^ 0x89))

	length := int(encoded[0])
	i := 2
	for ; i < length; i++ {
		decoded[i] = encoded[i] ^ (encoded[i-1] + 0xDC)
	}
	decoded[i] = encoded[i] ^ decoded[2]
	return decoded
}
