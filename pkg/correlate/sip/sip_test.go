package sip

import (
	"testing"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	sipdecode "github.com/telecorr/engine/pkg/proto/sip"
)

func decodeAll(t *testing.T, raws [][]byte) []*proto.Message {
	t.Helper()
	d := sipdecode.New()
	var out []*proto.Message
	for i, raw := range raws {
		msg, err := d.Decode(raw, proto.Metadata{CaptureTime: time.Now().Add(time.Duration(i) * time.Second), FrameNumber: uint64(i)})
		if err != nil {
			t.Fatalf("decode %d failed: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestVoiceCallCompleteFlow(t *testing.T) {
	invite := []byte("INVITE sip:bob@x.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call1@x\r\nFrom: <sip:alice@x.com>;tag=fromtag1\r\nTo: <sip:bob@x.com>\r\n" +
		"CSeq: 1 INVITE\r\nContent-Type: application/sdp\r\nContent-Length: 45\r\n\r\n" +
		"v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 49170 RTP/AVP 0\r\n")
	trying := []byte("SIP/2.0 100 Trying\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call1@x\r\nFrom: <sip:alice@x.com>;tag=fromtag1\r\nTo: <sip:bob@x.com>\r\nCSeq: 1 INVITE\r\n\r\n")
	ringing := []byte("SIP/2.0 180 Ringing\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call1@x\r\nFrom: <sip:alice@x.com>;tag=fromtag1\r\nTo: <sip:bob@x.com>;tag=totag1\r\nCSeq: 1 INVITE\r\n\r\n")
	ok200 := []byte("SIP/2.0 200 OK\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call1@x\r\nFrom: <sip:alice@x.com>;tag=fromtag1\r\nTo: <sip:bob@x.com>;tag=totag1\r\nCSeq: 1 INVITE\r\n\r\n")
	ack := []byte("ACK sip:bob@x.com SIP/2.0\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK2\r\n" +
		"Call-ID: call1@x\r\nFrom: <sip:alice@x.com>;tag=fromtag1\r\nTo: <sip:bob@x.com>;tag=totag1\r\nCSeq: 1 ACK\r\n\r\n")
	bye := []byte("BYE sip:bob@x.com SIP/2.0\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK3\r\n" +
		"Call-ID: call1@x\r\nFrom: <sip:alice@x.com>;tag=fromtag1\r\nTo: <sip:bob@x.com>;tag=totag1\r\nCSeq: 2 BYE\r\n\r\n")

	msgs := decodeAll(t, [][]byte{invite, trying, ringing, ok200, ack, bye})

	c := New()
	var sess *Session
	for _, m := range msgs {
		sess = c.Process(m)
	}
	c.Finalize(sess)

	if sess.Type != TypeVoiceCall {
		t.Fatalf("type = %v", sess.Type)
	}
	dlg, ok := sess.Dialogs["fromtag1|totag1"]
	if !ok {
		t.Fatalf("expected promoted dialog key, got %+v", sess.Dialogs)
	}
	if dlg.State != DialogTerminated {
		t.Fatalf("expected terminated dialog, got %v", dlg.State)
	}
	tx, ok := dlg.Transactions["z9hG4bK1|INVITE"]
	if !ok || tx.FinalStatus != 200 {
		t.Fatalf("invite transaction not found or wrong final status: %+v", tx)
	}
}

func TestForkedDialogDetection(t *testing.T) {
	invite := []byte("INVITE sip:bob@x.com SIP/2.0\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call2@x\r\nFrom: <sip:alice@x.com>;tag=f1\r\nTo: <sip:bob@x.com>\r\nCSeq: 1 INVITE\r\n\r\n")
	ringingA := []byte("SIP/2.0 180 Ringing\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call2@x\r\nFrom: <sip:alice@x.com>;tag=f1\r\nTo: <sip:bob@x.com>;tag=tA\r\nCSeq: 1 INVITE\r\n\r\n")
	ringingB := []byte("SIP/2.0 180 Ringing\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call2@x\r\nFrom: <sip:alice@x.com>;tag=f1\r\nTo: <sip:bob@x.com>;tag=tB\r\nCSeq: 1 INVITE\r\n\r\n")

	msgs := decodeAll(t, [][]byte{invite, ringingA, ringingB})
	c := New()
	var sess *Session
	for _, m := range msgs {
		sess = c.Process(m)
	}
	if len(sess.Dialogs) != 2 {
		t.Fatalf("expected 2 forked dialogs, got %d", len(sess.Dialogs))
	}
	dA := sess.Dialogs["f1|tA"]
	dB := sess.Dialogs["f1|tB"]
	if dA == nil || dB == nil {
		t.Fatalf("expected both forked dialogs present: %+v", sess.Dialogs)
	}
	if len(dA.ForkedDialogs) == 0 || len(dB.ForkedDialogs) == 0 {
		t.Fatal("expected cross-linked forked_dialogs lists")
	}
}

func TestCallFailed486(t *testing.T) {
	invite := []byte("INVITE sip:bob@x.com SIP/2.0\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call3@x\r\nFrom: <sip:alice@x.com>;tag=f1\r\nTo: <sip:bob@x.com>\r\nCSeq: 1 INVITE\r\n\r\n")
	busy := []byte("SIP/2.0 486 Busy Here\r\nVia: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Call-ID: call3@x\r\nFrom: <sip:alice@x.com>;tag=f1\r\nTo: <sip:bob@x.com>;tag=t1\r\nCSeq: 1 INVITE\r\n\r\n")

	msgs := decodeAll(t, [][]byte{invite, busy})
	c := New()
	var sess *Session
	for _, m := range msgs {
		sess = c.Process(m)
	}
	if !sess.HasErrors {
		t.Fatal("expected has_errors for 486 response")
	}
	dlg := sess.Dialogs["f1|t1"]
	if dlg.State != DialogTerminated {
		t.Fatalf("expected terminated dialog on 486, got %v", dlg.State)
	}
}
