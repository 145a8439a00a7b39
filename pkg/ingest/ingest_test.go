package ingest

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	sipdecoder "github.com/telecorr/engine/pkg/proto/sip"
)

type recordingSink struct {
	messages []*proto.Message
}

func (s *recordingSink) Accept(msg *proto.Message) {
	s.messages = append(s.messages, msg)
}

func buildIPv4UDP(t *testing.T, srcIP, dstIP [4]byte, srcPort, dstPort int, payload []byte) []byte {
	t.Helper()
	udp := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(udp[0:2], uint16(srcPort))
	binary.BigEndian.PutUint16(udp[2:4], uint16(dstPort))
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], payload)

	ip := make([]byte, 20+len(udp))
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[9] = 17 // UDP
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	copy(ip[20:], udp)
	return ip
}

func TestPipelineDecodesUDPSIPDatagram(t *testing.T) {
	sink := &recordingSink{}
	registry := proto.NewRegistry()
	registry.Register(sipdecoder.New())

	p := New(Config{MaxStreams: 10, MaxBufferPerStream: 1 << 16}, registry, sink)

	sipMsg := []byte("REGISTER sip:ims.mnc001.mcc001.3gppnetwork.org SIP/2.0\r\n" +
		"Call-ID: abc123@ue\r\n" +
		"From: <sip:user@ims.mnc001.mcc001.3gppnetwork.org>;tag=111\r\n" +
		"To: <sip:user@ims.mnc001.mcc001.3gppnetwork.org>\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"Content-Length: 0\r\n\r\n")

	datagram := buildIPv4UDP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5060, 5060, sipMsg)

	if err := p.OnIPDatagram(time.Now(), 1, datagram); err != nil {
		t.Fatalf("OnIPDatagram: %v", err)
	}

	if len(sink.messages) != 1 {
		t.Fatalf("expected 1 decoded message, got %d", len(sink.messages))
	}
	if sink.messages[0].CallID != "abc123@ue" {
		t.Fatalf("expected call-id abc123@ue, got %q", sink.messages[0].CallID)
	}
}

func TestIngestFrameRejectsTruncatedEthernet(t *testing.T) {
	p := New(Config{MaxStreams: 10, MaxBufferPerStream: 1024}, proto.NewRegistry(), nil)
	if err := p.IngestFrame(time.Now(), 1, LinkEthernet, []byte{1, 2, 3}); err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestIngestFrameDropsFragmentedIPv4(t *testing.T) {
	sink := &recordingSink{}
	registry := proto.NewRegistry()
	registry.Register(sipdecoder.New())
	p := New(Config{MaxStreams: 10, MaxBufferPerStream: 1024}, registry, sink)

	datagram := buildIPv4UDP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5060, 5060, []byte("SIP/2.0 fragment"))
	// Set the More-Fragments flag.
	flagsFrag := binary.BigEndian.Uint16(datagram[6:8])
	flagsFrag |= 0x2000
	binary.BigEndian.PutUint16(datagram[6:8], flagsFrag)

	if err := p.OnIPDatagram(time.Now(), 1, datagram); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("fragmented datagram must not reach the decoder, got %d messages", len(sink.messages))
	}
}
