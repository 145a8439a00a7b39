// Package pfcp decodes PFCP (TS 29.244, N4 interface) messages into the
// neutral proto.Message record.
package pfcp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/telecorr/engine/pkg/proto"
)

const (
	MsgHeartbeatRequest          = 1
	MsgHeartbeatResponse         = 2
	MsgAssociationSetupRequest   = 5
	MsgAssociationSetupResponse  = 6
	MsgSessionEstablishmentReq   = 50
	MsgSessionEstablishmentResp  = 51
	MsgSessionModificationReq    = 52
	MsgSessionModificationResp   = 53
	MsgSessionDeletionReq        = 54
	MsgSessionDeletionResp       = 55
)

const (
	ieCause     = 19
	ieFSEID     = 57
	ieNodeID    = 60
	iePDRID     = 56
	ieFTEID     = 21
	ieUEIPAddr  = 93
	ieRecoveryTimestamp = 96
)

// Header is the common PFCP header; the SEID field is only present when the
// S flag is set (all messages except Heartbeat/Association).
type Header struct {
	Version     uint8
	SEIDPresent bool
	MessageType uint8
	Length      uint16
	SEID        uint64
	Sequence    uint32
}

// IE is one decoded PFCP information element.
type IE struct {
	Type  uint16
	Value []byte
}

// Decoder implements proto.Decoder for PFCP.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Protocol() proto.Protocol { return proto.ProtocolPFCP }

func (d *Decoder) CanDecode(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	version := (data[0] >> 5) & 0x07
	return version == 1
}

func (d *Decoder) Decode(data []byte, meta proto.Metadata) (*proto.Message, error) {
	h, offset, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	ies, err := parseIEs(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("pfcp ies: %w", err)
	}

	msg := proto.NewMessage(proto.ProtocolPFCP, meta)
	msg.RawPayload = data
	msg.PayloadSize = len(data)
	msg.SEID = h.SEID
	msg.SequenceNum = h.Sequence
	msg.MessageType = fmt.Sprintf("%d", h.MessageType)
	msg.MessageName = messageName(h.MessageType)
	msg.Details["ies"] = ies

	if isRequest(h.MessageType) {
		msg.Direction = proto.DirectionRequest
	} else {
		msg.Direction = proto.DirectionResponse
	}

	extractCorrelationFields(msg, ies)
	identifyNetworkElements(msg, h.MessageType)

	return msg, nil
}

func parseHeader(data []byte) (Header, int, error) {
	if len(data) < 8 {
		return Header{}, 0, fmt.Errorf("pfcp header: %w", proto.ErrInsufficientData)
	}
	flags := data[0]
	h := Header{
		Version:     (flags >> 5) & 0x07,
		SEIDPresent: flags&0x01 != 0,
		MessageType: data[1],
		Length:      binary.BigEndian.Uint16(data[2:4]),
	}
	offset := 4
	if h.SEIDPresent {
		if len(data) < offset+12 {
			return Header{}, 0, fmt.Errorf("pfcp seid: %w", proto.ErrInsufficientData)
		}
		h.SEID = binary.BigEndian.Uint64(data[offset : offset+8])
		h.Sequence = uint32(data[offset+8])<<16 | uint32(data[offset+9])<<8 | uint32(data[offset+10])
		offset += 12
	} else {
		if len(data) < offset+4 {
			return Header{}, 0, fmt.Errorf("pfcp sequence: %w", proto.ErrInsufficientData)
		}
		h.Sequence = uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
		offset += 4
	}
	return h, offset, nil
}

func parseIEs(data []byte) ([]IE, error) {
	var ies []IE
	offset := 0
	for offset+4 <= len(data) {
		typ := binary.BigEndian.Uint16(data[offset : offset+2])
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		valStart := offset + 4
		valEnd := valStart + length
		if valEnd > len(data) {
			return ies, fmt.Errorf("pfcp ie %d length %d exceeds buffer: %w", typ, length, proto.ErrInvalidData)
		}
		ies = append(ies, IE{Type: typ, Value: data[valStart:valEnd]})
		offset = valEnd
	}
	return ies, nil
}

func findIE(ies []IE, typ uint16) (IE, bool) {
	for _, ie := range ies {
		if ie.Type == typ {
			return ie, true
		}
	}
	return IE{}, false
}

func extractCorrelationFields(msg *proto.Message, ies []IE) {
	if ie, ok := findIE(ies, ieCause); ok && len(ie.Value) >= 1 {
		msg.CauseCode = int(ie.Value[0])
	}
	if ie, ok := findIE(ies, ieFSEID); ok {
		msg.Details["f_seid"] = decodeFSEID(ie.Value)
	}
	if ie, ok := findIE(ies, ieNodeID); ok {
		msg.Details["node_id"] = decodeNodeID(ie.Value)
	}
	if ie, ok := findIE(ies, ieUEIPAddr); ok {
		msg.Details["ue_ip"] = decodeUEIP(ie.Value)
	}
	if ie, ok := findIE(ies, ieRecoveryTimestamp); ok && len(ie.Value) >= 4 {
		msg.Details["recovery_timestamp"] = binary.BigEndian.Uint32(ie.Value)
	}
}

// FSEID is a decoded F-SEID IE.
type FSEID struct {
	SEID uint64
	IPv4 string
	IPv6 string
}

func decodeFSEID(value []byte) FSEID {
	if len(value) < 9 {
		return FSEID{}
	}
	flags := value[0]
	f := FSEID{SEID: binary.BigEndian.Uint64(value[1:9])}
	offset := 9
	if flags&0x02 != 0 && len(value) >= offset+4 {
		f.IPv4 = net.IP(value[offset : offset+4]).String()
		offset += 4
	}
	if flags&0x01 != 0 && len(value) >= offset+16 {
		f.IPv6 = net.IP(value[offset : offset+16]).String()
	}
	return f
}

func decodeNodeID(value []byte) string {
	if len(value) < 1 {
		return ""
	}
	switch value[0] & 0x0F {
	case 0:
		if len(value) >= 5 {
			return net.IP(value[1:5]).String()
		}
	case 1:
		if len(value) >= 17 {
			return net.IP(value[1:17]).String()
		}
	default:
		return string(value[1:])
	}
	return ""
}

func decodeUEIP(value []byte) string {
	if len(value) < 1 {
		return ""
	}
	flags := value[0]
	offset := 1
	if flags&0x02 != 0 && len(value) >= offset+4 {
		return net.IP(value[offset : offset+4]).String()
	}
	if flags&0x01 != 0 && len(value) >= offset+16 {
		return net.IP(value[offset : offset+16]).String()
	}
	return ""
}

func isRequest(t uint8) bool {
	switch t {
	case MsgHeartbeatRequest, MsgAssociationSetupRequest, MsgSessionEstablishmentReq,
		MsgSessionModificationReq, MsgSessionDeletionReq:
		return true
	}
	return false
}

func identifyNetworkElements(msg *proto.Message, t uint8) {
	switch t {
	case MsgSessionEstablishmentReq, MsgSessionModificationReq, MsgSessionDeletionReq:
		msg.Source.Type, msg.Destination.Type = "SMF", "UPF"
	case MsgSessionEstablishmentResp, MsgSessionModificationResp, MsgSessionDeletionResp:
		msg.Source.Type, msg.Destination.Type = "UPF", "SMF"
	default:
		msg.Source.Type, msg.Destination.Type = "Unknown", "Unknown"
	}
}

func messageName(t uint8) string {
	names := map[uint8]string{
		MsgHeartbeatRequest:         "HeartbeatRequest",
		MsgHeartbeatResponse:        "HeartbeatResponse",
		MsgAssociationSetupRequest:  "AssociationSetupRequest",
		MsgAssociationSetupResponse: "AssociationSetupResponse",
		MsgSessionEstablishmentReq:  "SessionEstablishmentRequest",
		MsgSessionEstablishmentResp: "SessionEstablishmentResponse",
		MsgSessionModificationReq:   "SessionModificationRequest",
		MsgSessionModificationResp:  "SessionModificationResponse",
		MsgSessionDeletionReq:       "SessionDeletionRequest",
		MsgSessionDeletionResp:      "SessionDeletionResponse",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("PFCP_MessageType_%d", t)
}
