package gtpv2

import (
	"testing"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	decode "github.com/telecorr/engine/pkg/proto/gtpv2"
)

func buildIE(typ uint8, value []byte) []byte {
	out := []byte{typ, byte(len(value) >> 8), byte(len(value)), 0}
	return append(out, value...)
}

func tbcdIMSI(digits string) []byte {
	// 001010123456789 -> TBCD low-nibble-first pairs
	out := make([]byte, 0, len(digits)/2+1)
	for i := 0; i < len(digits); i += 2 {
		lo := digits[i] - '0'
		hi := byte(0x0F)
		if i+1 < len(digits) {
			hi = digits[i+1] - '0'
		}
		out = append(out, lo|hi<<4)
	}
	return out
}

func createSessionRequest(teid uint32, seq uint32) []byte {
	header := []byte{0x48, byte(decode.MsgCreateSessionRequest), 0, 0}
	teidBytes := []byte{byte(teid >> 24), byte(teid >> 16), byte(teid >> 8), byte(teid)}
	seqBytes := []byte{byte(seq >> 16), byte(seq >> 8), byte(seq), 0}
	body := append(buildIE(1, tbcdIMSI("001010123456789")), buildIE(71, []byte{3, 'i', 'm', 's'})...)
	data := append(header, teidBytes...)
	data = append(data, seqBytes...)
	data = append(data, body...)
	binary16(data, 2, len(data)-4)
	return data
}

func binary16(b []byte, offset int, v int) {
	b[offset] = byte(v >> 8)
	b[offset+1] = byte(v)
}

func createSessionResponse(teid uint32, seq uint32, cause byte) []byte {
	header := []byte{0x48, byte(decode.MsgCreateSessionResponse), 0, 0}
	teidBytes := []byte{byte(teid >> 24), byte(teid >> 16), byte(teid >> 8), byte(teid)}
	seqBytes := []byte{byte(seq >> 16), byte(seq >> 8), byte(seq), 0}
	body := buildIE(2, []byte{cause})
	data := append(header, teidBytes...)
	data = append(data, seqBytes...)
	data = append(data, body...)
	binary16(data, 2, len(data)-4)
	return data
}

func TestSessionEstablishmentReachesActive(t *testing.T) {
	d := decode.New()
	req, err := d.Decode(createSessionRequest(0x12345678, 1), proto.Metadata{CaptureTime: time.Now()})
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	resp, err := d.Decode(createSessionResponse(0x12345678, 1, 16), proto.Metadata{CaptureTime: time.Now()})
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}

	c := New()
	c.Process(req)
	sess := c.Process(resp)

	if sess.State != StateActive {
		t.Fatalf("state = %v", sess.State)
	}
	if sess.PDNClass != PDNIMS {
		t.Fatalf("pdn class = %v", sess.PDNClass)
	}
	found, ok := c.FindByControlTEID(0x12345678)
	if !ok || found != sess {
		t.Fatal("expected lookup by control-TEID to find the same session")
	}
	if sess.IMSI != "001010123456789" {
		t.Fatalf("imsi = %q", sess.IMSI)
	}
}

func TestFTEIDLookupTriesDstThenSrc(t *testing.T) {
	c := New()
	sess := newSession(1, 1)
	c.sessions[1] = sess
	c.registerFTEID(decode.FTEID{TEID: 0x12345678, IPv4: "192.168.1.1"}, sess)

	found, ok := c.FindByFTEID("10.0.0.1", "192.168.1.1", 0x12345678)
	if !ok || found != sess {
		t.Fatal("expected dst-ip match")
	}
}
