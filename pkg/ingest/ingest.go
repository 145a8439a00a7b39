// Package ingest implements the §6 inbound contract and the "[EXPANSION —
// 4.N Ingest Adapter]" component: it stands in for the capture-file reader
// and IP-defragmentation collaborators that spec.md names out of scope,
// doing only what is needed to hand the core (components A-K) a reassembled
// byte stream or a single UDP/SCTP datagram. There is no IP reassembly and
// no link-layer variety beyond Ethernet: the interesting engineering stays
// in the correlation core, grounded on the teacher's pkg/capture engine
// shape (a processor pipeline fed by captured packets) generalised from
// pcap-file/live sources to a frame-by-frame push API.
package ingest

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/telecorr/engine/pkg/detect"
	"github.com/telecorr/engine/pkg/framing"
	"github.com/telecorr/engine/pkg/proto"
	"github.com/telecorr/engine/pkg/reassembly"
)

// LinkType names the frame's link layer, mirroring the excluded capture
// reader's contract (§6: ingest_frame(timestamp, frame_number, link_type,
// bytes)).
type LinkType int

const (
	LinkEthernet LinkType = 1
	LinkRaw      LinkType = 101 // raw IP, no link header
)

var (
	ErrTruncatedFrame = errors.New("ingest: truncated frame")
	ErrUnsupportedL3  = errors.New("ingest: unsupported network-layer protocol")
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD

	ipProtoTCP  = 6
	ipProtoUDP  = 17
	ipProtoSCTP = 132
)

// MessageSink receives one decoded neutral Message per complete protocol
// frame. The correlation core (components F/G/H) is the normal
// implementation.
type MessageSink interface {
	Accept(msg *proto.Message)
}

// MessageSinkFunc adapts a function to MessageSink.
type MessageSinkFunc func(msg *proto.Message)

func (f MessageSinkFunc) Accept(msg *proto.Message) { f(msg) }

// Pipeline is the thin external-collaborator boundary described in
// SPEC_FULL.md §4.N: it turns frames into reassembled byte streams (TCP) or
// single datagrams (UDP/SCTP), detects the protocol, decodes it, and hands
// the neutral Message to a sink. It owns one Reassembler and one
// framer-per-stream, and one decoder Registry shared across all flows.
type Pipeline struct {
	reassembler *reassembly.Reassembler
	decoders    *proto.Registry
	sink        MessageSink

	framers map[reassembly.FiveTuple]framerPair
}

// framerPair holds the per-stream framers plus a mutable "current call"
// timestamp: framing.MessageCallback carries no timestamp parameter, so the
// closures below read it from here at the moment ProcessData invokes them.
type framerPair struct {
	sip      *framing.SIPFramer
	diameter *framing.DiameterFramer
	current  *time.Time
}

// Config bounds the reassembler per §6's TransportConfig fields.
type Config struct {
	MaxStreams         int
	MaxBufferPerStream int
	IdleTimeout        time.Duration
}

// New builds a Pipeline wired to decoders and a sink. decoders should
// already have every enabled protocol decoder (component D) registered.
func New(cfg Config, decoders *proto.Registry, sink MessageSink) *Pipeline {
	p := &Pipeline{
		decoders: decoders,
		sink:     sink,
		framers:  make(map[reassembly.FiveTuple]framerPair),
	}
	p.reassembler = reassembly.New(
		reassembly.Config{MaxStreams: cfg.MaxStreams, MaxBufferPerStream: cfg.MaxBufferPerStream},
		p.onReassembledData,
		p.onStreamClose,
	)
	return p
}

// IngestFrame implements §6's ingest_frame(timestamp, frame_number,
// link_type, bytes): strips the link header (Ethernet only; LinkRaw skips
// straight to IP) and hands the datagram to OnIPDatagram.
func (p *Pipeline) IngestFrame(ts time.Time, frameNumber uint64, link LinkType, data []byte) error {
	payload := data
	if link == LinkEthernet {
		if len(data) < 14 {
			return ErrTruncatedFrame
		}
		etherType := binary.BigEndian.Uint16(data[12:14])
		switch etherType {
		case etherTypeIPv4, etherTypeIPv6:
			payload = data[14:]
		default:
			return ErrUnsupportedL3
		}
	}
	return p.OnIPDatagram(ts, frameNumber, payload)
}

// OnIPDatagram implements §6's on_ip_datagram: a single (unfragmented) IP
// datagram is handed to the reassembler for TCP, or detected+decoded
// directly for UDP/SCTP. IP defragmentation is explicitly out of scope
// (§1); a datagram carrying the more-fragments flag or a non-zero fragment
// offset is dropped rather than guessed at.
func (p *Pipeline) OnIPDatagram(ts time.Time, frameNumber uint64, ipBytes []byte) error {
	if len(ipBytes) < 1 {
		return ErrTruncatedFrame
	}
	version := ipBytes[0] >> 4
	switch version {
	case 4:
		return p.handleIPv4(ts, frameNumber, ipBytes)
	case 6:
		return p.handleIPv6(ts, frameNumber, ipBytes)
	default:
		return ErrUnsupportedL3
	}
}

func (p *Pipeline) handleIPv4(ts time.Time, frameNumber uint64, b []byte) error {
	if len(b) < 20 {
		return ErrTruncatedFrame
	}
	ihl := int(b[0]&0x0F) * 4
	if ihl < 20 || len(b) < ihl {
		return ErrTruncatedFrame
	}
	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	moreFragments := flagsFrag&0x2000 != 0
	fragOffset := flagsFrag & 0x1FFF
	if moreFragments || fragOffset != 0 {
		// Fragmented datagrams require the excluded IP-defrag collaborator.
		return nil
	}
	proto_ := b[9]
	srcIP := ipv4String(b[12:16])
	dstIP := ipv4String(b[16:20])
	return p.handleL4(ts, frameNumber, proto_, srcIP, dstIP, b[ihl:])
}

func (p *Pipeline) handleIPv6(ts time.Time, frameNumber uint64, b []byte) error {
	if len(b) < 40 {
		return ErrTruncatedFrame
	}
	nextHeader := b[6]
	srcIP := ipv6String(b[8:24])
	dstIP := ipv6String(b[24:40])
	return p.handleL4(ts, frameNumber, nextHeader, srcIP, dstIP, b[40:])
}

func (p *Pipeline) handleL4(ts time.Time, frameNumber uint64, ipProto byte, srcIP, dstIP string, l4 []byte) error {
	switch ipProto {
	case ipProtoTCP:
		return p.handleTCP(ts, frameNumber, srcIP, dstIP, l4)
	case ipProtoUDP:
		return p.handleUDP(ts, frameNumber, srcIP, dstIP, l4)
	case ipProtoSCTP:
		return p.handleSCTP(ts, frameNumber, srcIP, dstIP, l4)
	default:
		return nil
	}
}

func (p *Pipeline) handleTCP(ts time.Time, frameNumber uint64, srcIP, dstIP string, b []byte) error {
	if len(b) < 20 {
		return ErrTruncatedFrame
	}
	srcPort := int(binary.BigEndian.Uint16(b[0:2]))
	dstPort := int(binary.BigEndian.Uint16(b[2:4]))
	seq := binary.BigEndian.Uint32(b[4:8])
	ack := binary.BigEndian.Uint32(b[8:12])
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < 20 || len(b) < dataOffset {
		return ErrTruncatedFrame
	}
	flagByte := b[13]

	tuple := reassembly.FiveTuple{
		SrcIP: srcIP, DstIP: dstIP,
		SrcPort: srcPort, DstPort: dstPort,
		IPProto: "tcp",
	}
	seg := reassembly.Segment{
		Seq:       seq,
		Ack:       ack,
		Payload:   b[dataOffset:],
		Timestamp: ts,
		Flags: reassembly.Flags{
			SYN: flagByte&0x02 != 0,
			ACK: flagByte&0x10 != 0,
			FIN: flagByte&0x01 != 0,
			RST: flagByte&0x04 != 0,
		},
	}
	p.reassembler.ProcessPacket(tuple, seg)
	return nil
}

func (p *Pipeline) handleUDP(ts time.Time, frameNumber uint64, srcIP, dstIP string, b []byte) error {
	if len(b) < 8 {
		return ErrTruncatedFrame
	}
	srcPort := int(binary.BigEndian.Uint16(b[0:2]))
	dstPort := int(binary.BigEndian.Uint16(b[2:4]))
	payload := b[8:]
	p.decodeOne(ts, frameNumber, srcIP, dstIP, srcPort, dstPort, payload)
	return nil
}

func (p *Pipeline) handleSCTP(ts time.Time, frameNumber uint64, srcIP, dstIP string, b []byte) error {
	if len(b) < 12 {
		return ErrTruncatedFrame
	}
	srcPort := int(binary.BigEndian.Uint16(b[0:2]))
	dstPort := int(binary.BigEndian.Uint16(b[2:4]))
	// Single DATA chunk assumed; a faithful SCTP layer would walk the chunk
	// list and reassemble fragmented user messages, which is out of scope.
	if len(b) <= 12 {
		return nil
	}
	chunks := b[12:]
	if len(chunks) < 16 || chunks[0] != 0 { // chunk type 0 = DATA
		return nil
	}
	payload := chunks[16:]
	p.decodeOne(ts, frameNumber, srcIP, dstIP, srcPort, dstPort, payload)
	return nil
}

// onReassembledData is the reassembler's DataCallback: it feeds the
// direction's byte stream into a per-five-tuple stream framer, decoding
// each complete message the framer emits (component B -> C -> D).
func (p *Pipeline) onReassembledData(tuple reassembly.FiveTuple, dir reassembly.Direction, data []byte, ts time.Time) {
	fp, ok := p.framers[tuple]
	if !ok {
		fp = framerPair{current: new(time.Time)}
		srcIP, dstIP := tuple.SrcIP, tuple.DstIP
		srcPort, dstPort := tuple.SrcPort, tuple.DstPort
		current := fp.current
		fp.sip = framing.NewSIPFramer(func(msg []byte) {
			p.decodeOne(*current, 0, srcIP, dstIP, srcPort, dstPort, msg)
		})
		fp.diameter = framing.NewDiameterFramer(func(msg []byte) {
			p.decodeOne(*current, 0, srcIP, dstIP, srcPort, dstPort, msg)
		})
		p.framers[tuple] = fp
	}
	*fp.current = ts

	detected := detect.Detect(data, tuple.SrcPort, tuple.DstPort)
	switch detected {
	case detect.Diameter:
		fp.diameter.ProcessData(data)
	default:
		// Default to SIP framing for stream-oriented text protocols; a
		// non-SIP stream simply never completes a CRLFCRLF and is dropped
		// by the framer's 64 KiB overflow rule (component B).
		fp.sip.ProcessData(data)
	}
}

func (p *Pipeline) onStreamClose(tuple reassembly.FiveTuple) {
	delete(p.framers, tuple)
}

// decodeOne runs the protocol detector then the decoder registry over a
// single complete message and forwards the result to the sink. Decode
// errors are swallowed per §7: the pipeline never aborts on one bad
// message.
func (p *Pipeline) decodeOne(ts time.Time, frameNumber uint64, srcIP, dstIP string, srcPort, dstPort int, payload []byte) {
	if len(payload) == 0 {
		return
	}
	meta := proto.Metadata{
		CaptureTime: ts,
		FrameNumber: frameNumber,
		SourceIP:    srcIP,
		SourcePort:  srcPort,
		DestIP:      dstIP,
		DestPort:    dstPort,
	}
	msg, err := p.decoders.Decode(payload, meta)
	if err != nil || msg == nil {
		return
	}
	if p.sink != nil {
		p.sink.Accept(msg)
	}
}

// CleanupStale forwards to the reassembler's periodic teardown (§5).
func (p *Pipeline) CleanupStale(now time.Time, timeout time.Duration) int {
	return p.reassembler.CleanupStale(now, timeout)
}

func ipv4String(b []byte) string {
	buf := make([]byte, 0, 15)
	for i, v := range b {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = appendUint(buf, uint64(v))
	}
	return string(buf)
}

func ipv6String(b []byte) string {
	// Minimal (non-compressed) hex-group rendering; sufficient as an index
	// key for the reassembler and field registry, which only needs string
	// equality, not canonical RFC 5952 form.
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 0, 39)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			buf = append(buf, ':')
		}
		v := uint16(b[i])<<8 | uint16(b[i+1])
		buf = append(buf, hexdigits[(v>>12)&0xF], hexdigits[(v>>8)&0xF], hexdigits[(v>>4)&0xF], hexdigits[v&0xF])
	}
	return string(buf)
}

func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}
