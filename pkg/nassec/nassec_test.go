package nassec

import (
	"bytes"
	"testing"
)

func TestNEA0PassesThrough(t *testing.T) {
	ctx := New()
	payload := []byte("attach request ie bytes")
	out, err := ctx.Decrypt(payload, 1, DirectionUplink, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("NEA0 must pass payload through unchanged")
	}
}

func TestNEA2RoundTrip(t *testing.T) {
	ctx := New()
	ctx.SetKeys(bytes.Repeat([]byte{0x42}, 16), bytes.Repeat([]byte{0x24}, 16))
	ctx.SetAlgorithms(NEA2, NIA0)

	plaintext := []byte("0123456789abcdef0123")
	cipherBytes, err := ctx.Encrypt(plaintext, 7, DirectionDownlink, 5)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(cipherBytes, plaintext) {
		t.Fatalf("ciphertext should differ from plaintext")
	}

	recovered, err := ctx.Decrypt(cipherBytes, 7, DirectionDownlink, 5)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", recovered, plaintext)
	}
}

func TestNIA0AlwaysValid(t *testing.T) {
	ctx := New()
	ok, err := ctx.VerifyIntegrity([]byte("payload"), 1, DirectionUplink, 0, []byte{0, 0, 0, 0})
	if err != nil || !ok {
		t.Fatalf("NIA0 must always verify, got ok=%v err=%v", ok, err)
	}
}

func TestNIA2ComputeThenVerify(t *testing.T) {
	ctx := New()
	ctx.SetKeys(bytes.Repeat([]byte{0x11}, 16), bytes.Repeat([]byte{0x22}, 16))
	ctx.SetAlgorithms(NEA0, NIA2)

	payload := []byte("security mode command")
	mac, err := ctx.ComputeMAC(payload, 3, DirectionUplink, 5)
	if err != nil {
		t.Fatalf("compute mac: %v", err)
	}
	if len(mac) != 4 {
		t.Fatalf("expected truncated 4-byte mac, got %d bytes", len(mac))
	}

	ok, err := ctx.VerifyIntegrity(payload, 3, DirectionUplink, 5, mac)
	if err != nil || !ok {
		t.Fatalf("verify of freshly computed mac failed: ok=%v err=%v", ok, err)
	}

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF
	if ok, _ := ctx.VerifyIntegrity(tampered, 3, DirectionUplink, 5, mac); ok {
		t.Fatalf("verify must fail against tampered payload")
	}
}

func TestUnsupportedAlgorithmsReturnSentinel(t *testing.T) {
	ctx := New()
	ctx.SetAlgorithms(NEA1, NIA1)
	if _, err := ctx.Decrypt([]byte("x"), 1, DirectionUplink, 0); err != ErrUnsupportedAlgorithm {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, err := ctx.VerifyIntegrity([]byte("x"), 1, DirectionUplink, 0, []byte{0, 0, 0, 0}); err != ErrUnsupportedAlgorithm {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestCountsRoundTrip(t *testing.T) {
	ctx := New()
	ctx.SetUplinkCount(42)
	ctx.SetDownlinkCount(99)
	up, down := ctx.Counts()
	if up != 42 || down != 99 {
		t.Fatalf("got up=%d down=%d want up=42 down=99", up, down)
	}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	kAMF := bytes.Repeat([]byte{0x55}, 32)
	enc1, int1 := DeriveKeys(kAMF, 0x00, 0x02)
	enc2, int2 := DeriveKeys(kAMF, 0x00, 0x02)
	if !bytes.Equal(enc1, enc2) || !bytes.Equal(int1, int2) {
		t.Fatalf("DeriveKeys must be deterministic for the same inputs")
	}
	if len(enc1) != 16 || len(int1) != 16 {
		t.Fatalf("expected 128-bit keys, got enc=%d int=%d", len(enc1), len(int1))
	}
	if bytes.Equal(enc1, int1) {
		t.Fatalf("encryption and integrity keys must differ")
	}
}
