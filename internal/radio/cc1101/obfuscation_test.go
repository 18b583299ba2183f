package cc1101

import "testing"

func TestObfuscateRoundTrip(t *testing.T) {
	// length=10 means indices 0..10 are meaningful (11 bytes total):
	// a length byte, 8 payload-ish bytes (1..9 gets chained up to
	// i<length i.e. i<10, so 2..9), and a trailing byte at index 10.
	decoded := []byte{10, 0x84, 0x01, 0x02, 0x34, 0x56, 0x9A, 0xBC, 0xDE, 0xF0, 0x00}

	encoded := obfuscate(decoded)
	if len(encoded) != len(decoded) {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(decoded))
	}
	if encoded[0] != decoded[0] {
		t.Fatalf("length byte must pass through unobfuscated: got %#x, want %#x", encoded[0], decoded[0])
	}

	got := deobfuscate(encoded)
	for i := range decoded {
		if got[i] != decoded[i] {
			t.Fatalf("byte %d mismatch after round trip: got %#x, want %#x", i, got[i], decoded[i])
		}
	}
}

func TestObfuscateChangesBytes(t *testing.T) {
	decoded := []byte{6, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	encoded := obfuscate(decoded)
	same := true
	for i := 1; i < len(decoded); i++ {
		if encoded[i] != decoded[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected obfuscation to actually transform the payload bytes")
	}
}
