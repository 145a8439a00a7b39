package proto

import "testing"

func TestTBCDRoundTripEven(t *testing.T) {
	digits := "001010123456789"[:14] // even count
	encoded := EncodeTBCD(digits)
	decoded := DecodeTBCD(encoded)
	if decoded != digits {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, digits)
	}
}

func TestTBCDRoundTripOdd(t *testing.T) {
	digits := "001010123456789" // 15 digits, odd
	encoded := EncodeTBCD(digits)
	decoded := DecodeTBCD(encoded)
	if decoded != digits {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, digits)
	}
	// the filler nibble occupies the high nibble of the last byte
	last := encoded[len(encoded)-1]
	if hi := (last >> 4) & 0x0F; hi != 0x0F {
		t.Fatalf("expected filler nibble 0xF in last byte, got %x", hi)
	}
}

func TestDecodeTBCDStopsAtFiller(t *testing.T) {
	// 0x21 0xF3 -> digits "12", then "3" from the low nibble; the 0xF high
	// nibble is the filler and ends decoding
	got := DecodeTBCD([]byte{0x21, 0xF3})
	if got != "123" {
		t.Fatalf("got %q want %q", got, "123")
	}
}
