package sip

import (
	"strings"
	"testing"
)

func invite() []byte {
	msg := "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776asdhds\r\n" +
		"Call-ID: abc123@10.0.0.1\r\n" +
		"From: \"Alice\" <sip:alice@example.com>;tag=1928301774\r\n" +
		"To: Bob <sip:bob@example.com>\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"P-Charging-Vector: icid-value=\"abc-icid-1\"\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 45\r\n\r\n" +
		"v=0\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"m=audio 49170 RTP/AVP 0\r\n"
	return []byte(msg)
}

func TestParseInviteHeaders(t *testing.T) {
	p, err := Parse(invite())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.CallID != "abc123@10.0.0.1" {
		t.Fatalf("call-id = %q", p.CallID)
	}
	if p.FromTag != "1928301774" {
		t.Fatalf("from-tag = %q", p.FromTag)
	}
	if p.ToTag != "" {
		t.Fatalf("expected no to-tag yet, got %q", p.ToTag)
	}
	if p.CSeqMethod != "INVITE" || p.CSeqNum != 1 {
		t.Fatalf("cseq = %d %q", p.CSeqNum, p.CSeqMethod)
	}
	if len(p.Vias) != 1 || p.Vias[0].Branch != "z9hG4bK776asdhds" {
		t.Fatalf("via branch not parsed: %+v", p.Vias)
	}
	if p.ICID != "abc-icid-1" {
		t.Fatalf("icid = %q", p.ICID)
	}
}

func TestParseSDPBody(t *testing.T) {
	p, err := Parse(invite())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.SDP == nil {
		t.Fatal("expected sdp body")
	}
	if p.SDP.SessionConnectionIP != "10.0.0.1" {
		t.Fatalf("connection ip = %q", p.SDP.SessionConnectionIP)
	}
	if len(p.SDP.Media) != 1 || p.SDP.Media[0].Type != "audio" {
		t.Fatalf("media = %+v", p.SDP.Media)
	}
	if p.SDP.HasVideo() {
		t.Fatal("did not expect video")
	}
}

func TestCompactHeaderForms(t *testing.T) {
	msg := "ACK sip:bob@example.com SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKnext\r\n" +
		"i: abc123@10.0.0.1\r\n" +
		"f: <sip:alice@example.com>;tag=1\r\n" +
		"t: <sip:bob@example.com>;tag=2\r\n" +
		"CSeq: 1 ACK\r\n\r\n"
	p, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.CallID != "abc123@10.0.0.1" {
		t.Fatalf("compact call-id not parsed, got %q", p.CallID)
	}
	if p.ToTag != "2" {
		t.Fatalf("compact to tag not parsed, got %q", p.ToTag)
	}
}

func TestNormalizeMSISDN(t *testing.T) {
	got := NormalizeMSISDN(`"Alice" <sip:+15551234567@example.com>`, false)
	if got != "15551234567" {
		t.Fatalf("got %q", got)
	}
	gotEmergency := NormalizeMSISDN("<sip:+911@example.com>", true)
	if !strings.HasPrefix(gotEmergency, "+") {
		t.Fatalf("expected leading + for emergency, got %q", gotEmergency)
	}
}

func TestResponseStartLine(t *testing.T) {
	msg := "SIP/2.0 486 Busy Here\r\nCall-ID: x\r\nCSeq: 1 INVITE\r\n\r\n"
	p, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.Start.IsRequest || p.Start.StatusCode != 486 || p.Start.Reason != "Busy Here" {
		t.Fatalf("start line = %+v", p.Start)
	}
}
