// Package detect implements the Protocol Detector (component C):
// content-signature detection independent of port.
package detect

import (
	"bytes"
	"encoding/binary"
)

// Protocol is the detector's verdict.
type Protocol string

const (
	SIP      Protocol = "SIP"
	Diameter Protocol = "DIAMETER"
	GTPC     Protocol = "GTP-C"
	GTPU     Protocol = "GTP-U"
	STUN     Protocol = "STUN"
	RTP      Protocol = "RTP"
	Unknown  Protocol = "UNKNOWN"
)

const stunMagicCookie = 0x2112A442

// Detect classifies payload bytes, consulting ports only where the wire
// format is itself ambiguous (RTP).
func Detect(payload []byte, srcPort, dstPort int) Protocol {
	if isSIP(payload) {
		return SIP
	}
	if isDiameter(payload) {
		return Diameter
	}
	if p, ok := isGTP(payload); ok {
		return p
	}
	if isSTUN(payload) {
		return STUN
	}
	if isRTP(payload) && rtpPortHeuristic(srcPort, dstPort) {
		return RTP
	}
	return Unknown
}

var sipMethods = [][]byte{
	[]byte("INVITE "), []byte("ACK "), []byte("BYE "), []byte("CANCEL "),
	[]byte("REGISTER "), []byte("OPTIONS "), []byte("PRACK "), []byte("SUBSCRIBE "),
	[]byte("NOTIFY "), []byte("PUBLISH "), []byte("INFO "), []byte("REFER "),
	[]byte("MESSAGE "), []byte("UPDATE "),
}

func isSIP(payload []byte) bool {
	if !bytes.Contains(payload, []byte("SIP/2.0")) {
		return false
	}
	for _, m := range sipMethods {
		if bytes.HasPrefix(payload, m) {
			return true
		}
	}
	hits := 0
	for _, marker := range [][]byte{[]byte("Call-ID"), []byte("i:"), []byte("From"), []byte("f:"), []byte("To"), []byte("t:"), []byte("CSeq"), []byte("Via"), []byte("v:")} {
		if bytes.Contains(payload, marker) {
			hits++
		}
	}
	return hits >= 2
}

func isDiameter(payload []byte) bool {
	if len(payload) < 20 {
		return false
	}
	if payload[0] != 0x01 {
		return false
	}
	length := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if length < 20 || length > 65535 {
		return false
	}
	flags := payload[4]
	return flags&0x0F == 0
}

func isGTP(payload []byte) (Protocol, bool) {
	if len(payload) < 8 {
		return "", false
	}
	flags := payload[0]
	version := (flags >> 5) & 0x07
	protocolType := (flags >> 4) & 0x01
	if protocolType != 1 {
		return "", false
	}
	if version != 1 && version != 2 {
		return "", false
	}
	msgType := payload[1]
	if version == 1 && msgType == 0xFF {
		return GTPU, true
	}
	return GTPC, true
}

func isSTUN(payload []byte) bool {
	if len(payload) < 8 {
		return false
	}
	if binary.BigEndian.Uint32(payload[4:8]) != stunMagicCookie {
		return false
	}
	msgType := binary.BigEndian.Uint16(payload[0:2])
	if msgType&0xC000 != 0 {
		return false
	}
	length := binary.BigEndian.Uint16(payload[2:4])
	return length%4 == 0
}

func isRTP(payload []byte) bool {
	if len(payload) < 12 {
		return false
	}
	version := (payload[0] >> 6) & 0x03
	if version != 2 {
		return false
	}
	csrcCount := payload[0] & 0x0F
	if csrcCount > 15 {
		return false
	}
	payloadType := payload[1] & 0x7F
	if payloadType > 127 {
		return false
	}
	headerSize := 12 + int(csrcCount)*4
	return len(payload) >= headerSize
}

func rtpPortHeuristic(srcPort, dstPort int) bool {
	return (srcPort >= 1024 && srcPort%2 == 0) || (dstPort >= 1024 && dstPort%2 == 0)
}
