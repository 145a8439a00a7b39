package detect

import (
	"encoding/binary"
	"testing"
)

func TestDetectSIP(t *testing.T) {
	msg := []byte("INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc\r\nFrom: <sip:a@b>\r\n\r\n")
	if got := Detect(msg, 5060, 5060); got != SIP {
		t.Fatalf("got %v want SIP", got)
	}
}

func TestDetectDiameter(t *testing.T) {
	msg := make([]byte, 20)
	msg[0] = 0x01
	msg[1], msg[2], msg[3] = 0, 0, 20
	if got := Detect(msg, 3868, 3868); got != Diameter {
		t.Fatalf("got %v want Diameter", got)
	}
}

func TestDetectGTPv2C(t *testing.T) {
	msg := make([]byte, 8)
	msg[0] = 0x58 // version 2, protocol-type bit (0x10) set
	if got := Detect(msg, 2123, 2123); got != GTPC {
		t.Fatalf("got %v want GTP-C", got)
	}
}

func TestDetectGTPU(t *testing.T) {
	msg := make([]byte, 8)
	msg[0] = 0x30 // version 1, protocol type 1
	msg[1] = 0xFF
	if got := Detect(msg, 2152, 2152); got != GTPU {
		t.Fatalf("got %v want GTP-U", got)
	}
}

func TestDetectSTUN(t *testing.T) {
	msg := make([]byte, 20)
	binary.BigEndian.PutUint16(msg[0:2], 0x0001)
	binary.BigEndian.PutUint16(msg[2:4], 8)
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	if got := Detect(msg, 3478, 3478); got != STUN {
		t.Fatalf("got %v want STUN", got)
	}
}

func TestDetectRTPRequiresPortHeuristic(t *testing.T) {
	msg := make([]byte, 12)
	msg[0] = 0x80 // version 2
	msg[1] = 0
	if got := Detect(msg, 49170, 49172); got != RTP {
		t.Fatalf("got %v want RTP with even high ports", got)
	}
	if got := Detect(msg, 80, 443); got == RTP {
		t.Fatalf("did not expect RTP without port heuristic, got %v", got)
	}
}
