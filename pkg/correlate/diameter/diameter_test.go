package diameter

import (
	"testing"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	decode "github.com/telecorr/engine/pkg/proto/diameter"
)

func buildAVP(code uint32, data []byte) []byte {
	length := 8 + len(data)
	avp := []byte{
		byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code),
		0, byte(length >> 16), byte(length >> 8), byte(length),
	}
	avp = append(avp, data...)
	for len(avp)%4 != 0 {
		avp = append(avp, 0)
	}
	return avp
}

func diameterMessage(appID, hopByHop uint32, isRequest bool, sessionID string, resultCode uint32) []byte {
	flags := byte(0)
	if isRequest {
		flags = 0x80
	}
	header := []byte{0x01, 0, 0, 0, flags, 0, 0x01, 0x10}
	header = append(header, byte(appID>>24), byte(appID>>16), byte(appID>>8), byte(appID))
	header = append(header, byte(hopByHop>>24), byte(hopByHop>>16), byte(hopByHop>>8), byte(hopByHop))
	header = append(header, 0, 0, 0, 1) // end-to-end

	avps := buildAVP(263, []byte(sessionID))
	if !isRequest {
		rc := []byte{byte(resultCode >> 24), byte(resultCode >> 16), byte(resultCode >> 8), byte(resultCode)}
		avps = append(avps, buildAVP(268, rc)...)
	}

	data := append(header, avps...)
	total := len(data)
	data[1] = byte(total >> 16)
	data[2] = byte(total >> 8)
	data[3] = byte(total)
	return data
}

func TestResultCodeErrorFlag(t *testing.T) {
	d := decode.New()
	req, err := d.Decode(diameterMessage(decode.AppGx, 1, true, "sess1", 0), proto.Metadata{CaptureTime: time.Now()})
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	ans, err := d.Decode(diameterMessage(decode.AppGx, 1, false, "sess1", 5012), proto.Metadata{CaptureTime: time.Now()})
	if err != nil {
		t.Fatalf("decode answer: %v", err)
	}

	c := New()
	c.Process(req)
	sess := c.Process(ans)

	if !sess.HasErrors {
		t.Fatal("expected has_errors for result code outside [2000,2999]")
	}
	if sess.Interface != InterfaceGx {
		t.Fatalf("interface = %v", sess.Interface)
	}
	exch := sess.Exchanges[1]
	if exch.Request == nil || exch.Answer == nil {
		t.Fatal("expected request/answer pairing by hop-by-hop-id")
	}
}

func TestResultCodeSuccessNoErrorFlag(t *testing.T) {
	d := decode.New()
	req, _ := d.Decode(diameterMessage(decode.AppS6a, 2, true, "sess2", 0), proto.Metadata{CaptureTime: time.Now()})
	ans, _ := d.Decode(diameterMessage(decode.AppS6a, 2, false, "sess2", 2001), proto.Metadata{CaptureTime: time.Now()})

	c := New()
	c.Process(req)
	sess := c.Process(ans)

	if sess.HasErrors {
		t.Fatal("did not expect has_errors for 2001 success")
	}
}
