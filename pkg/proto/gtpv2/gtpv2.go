// Package gtpv2 decodes GTPv2-C (TS 29.274) messages into the neutral
// proto.Message record, exposing the IEs the GTPv2 correlator needs.
package gtpv2

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/telecorr/engine/pkg/proto"
)

// Message types the correlator's state machine recognises (§4.G).
const (
	MsgCreateSessionRequest  = 32
	MsgCreateSessionResponse = 33
	MsgModifyBearerRequest   = 34
	MsgModifyBearerResponse  = 35
	MsgDeleteSessionRequest  = 36
	MsgDeleteSessionResponse = 37
	MsgCreateBearerRequest   = 95
	MsgCreateBearerResponse  = 96
	MsgUpdateBearerRequest   = 97
	MsgUpdateBearerResponse  = 98
	MsgDeleteBearerRequest   = 99
	MsgDeleteBearerResponse  = 100
)

// IE types (TS 29.274 §8).
const (
	ieIMSI          = 1
	ieCause         = 2
	ieAPN           = 71
	ieMSISDN        = 76
	ieMEI           = 75
	ieFTEID         = 87
	ieBearerQoS     = 80
	iePAA           = 79
	ieServingNetwork = 83
	ieULI           = 86
	ieBearerContext = 93
	ieEBI           = 73
)

// Header is the common GTPv2-C header.
type Header struct {
	Version     uint8
	TEIDPresent bool
	MessageType uint8
	Length      uint16
	TEID        uint32
	Sequence    uint32
}

// IE is one decoded GTPv2-C information element.
type IE struct {
	Type     uint8
	Instance uint8
	Value    []byte
	Nested   []IE // for grouped IEs such as Bearer-Context
}

// Decoder implements proto.Decoder for GTPv2-C.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Protocol() proto.Protocol { return proto.ProtocolGTPv2C }

func (d *Decoder) CanDecode(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	flags := data[0]
	version := (flags >> 5) & 0x07
	protocolType := (flags >> 4) & 0x01
	return version == 2 && protocolType == 1
}

func (d *Decoder) Decode(data []byte, meta proto.Metadata) (*proto.Message, error) {
	h, offset, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	ies, err := parseIEs(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("gtpv2 ies: %w", err)
	}

	msg := proto.NewMessage(proto.ProtocolGTPv2C, meta)
	msg.RawPayload = data
	msg.PayloadSize = len(data)
	msg.TEID = h.TEID
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
		return Header{}, 0, fmt.Errorf("gtpv2 header: %w", proto.ErrInsufficientData)
	}
	flags := data[0]
	h := Header{
		Version:     (flags >> 5) & 0x07,
		TEIDPresent: flags&0x08 != 0,
		MessageType: data[1],
		Length:      binary.BigEndian.Uint16(data[2:4]),
	}
	offset := 4
	if h.TEIDPresent {
		if len(data) < 8 {
			return Header{}, 0, fmt.Errorf("gtpv2 teid: %w", proto.ErrInsufficientData)
		}
		h.TEID = binary.BigEndian.Uint32(data[4:8])
		offset = 8
	}
	if len(data) < offset+3 {
		return Header{}, 0, fmt.Errorf("gtpv2 sequence: %w", proto.ErrInsufficientData)
	}
	h.Sequence = uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
	offset += 4 // sequence (3 bytes) + spare (1 byte)
	return h, offset, nil
}

func parseIEs(data []byte) ([]IE, error) {
	var ies []IE
	offset := 0
	for offset+4 <= len(data) {
		ieType := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+1 : offset+3]))
		instance := data[offset+3] & 0x0F
		valStart := offset + 4
		valEnd := valStart + length
		if valEnd > len(data) {
			return ies, fmt.Errorf("ie %d length %d exceeds buffer: %w", ieType, length, proto.ErrInvalidData)
		}
		value := data[valStart:valEnd]

		ie := IE{Type: ieType, Instance: instance, Value: value}
		if ieType == ieBearerContext {
			if nested, err := parseIEs(value); err == nil {
				ie.Nested = nested
			}
		}
		ies = append(ies, ie)
		offset = valEnd
	}
	return ies, nil
}

func findIE(ies []IE, typ uint8) (IE, bool) {
	for _, ie := range ies {
		if ie.Type == typ {
			return ie, true
		}
	}
	return IE{}, false
}

func findAllIEs(ies []IE, typ uint8) []IE {
	var out []IE
	for _, ie := range ies {
		if ie.Type == typ {
			out = append(out, ie)
		}
	}
	return out
}

// FTEID is a decoded Fully-Qualified TEID IE.
type FTEID struct {
	InterfaceType uint8
	TEID          uint32
	IPv4          string
	IPv6          string
}

// DecodeFTEID parses the F-TEID IE value (interface+flags byte, TEID, then
// conditional IPv4/IPv6 addresses per the presence flags).
func DecodeFTEID(value []byte) (FTEID, error) {
	if len(value) < 5 {
		return FTEID{}, fmt.Errorf("f-teid: %w", proto.ErrInsufficientData)
	}
	flags := value[0]
	hasIPv4 := flags&0x80 != 0
	hasIPv6 := flags&0x40 != 0
	interfaceType := flags & 0x3F

	f := FTEID{InterfaceType: interfaceType, TEID: binary.BigEndian.Uint32(value[1:5])}
	offset := 5
	if hasIPv4 {
		if len(value) < offset+4 {
			return f, fmt.Errorf("f-teid ipv4: %w", proto.ErrInsufficientData)
		}
		f.IPv4 = net.IP(value[offset : offset+4]).String()
		offset += 4
	}
	if hasIPv6 {
		if len(value) < offset+16 {
			return f, fmt.Errorf("f-teid ipv6: %w", proto.ErrInsufficientData)
		}
		f.IPv6 = net.IP(value[offset : offset+16]).String()
	}
	return f, nil
}

func decodeAPN(value []byte) string {
	var out []byte
	offset := 0
	for offset < len(value) {
		labelLen := int(value[offset])
		offset++
		if offset+labelLen > len(value) {
			break
		}
		if len(out) > 0 {
			out = append(out, '.')
		}
		out = append(out, value[offset:offset+labelLen]...)
		offset += labelLen
	}
	return string(out)
}

func extractCorrelationFields(msg *proto.Message, ies []IE) {
	if ie, ok := findIE(ies, ieIMSI); ok {
		msg.IMSI = proto.DecodeTBCD(ie.Value)
	}
	if ie, ok := findIE(ies, ieMSISDN); ok {
		msg.MSISDN = proto.DecodeTBCD(ie.Value)
	}
	if ie, ok := findIE(ies, ieMEI); ok {
		msg.Details["mei"] = proto.DecodeTBCD(ie.Value)
	}
	if ie, ok := findIE(ies, ieAPN); ok {
		msg.APN = decodeAPN(ie.Value)
	}
	if ie, ok := findIE(ies, ieCause); ok && len(ie.Value) >= 1 {
		msg.CauseCode = int(ie.Value[0])
	}
	if ie, ok := findIE(ies, ieServingNetwork); ok && len(ie.Value) >= 3 {
		msg.Details["serving_network"] = proto.DecodeTBCD(ie.Value[:3])
	}
	if ie, ok := findIE(ies, iePAA); ok {
		msg.Details["paa"] = decodePAA(ie.Value)
	}

	var fteids []FTEID
	if f, err := decodeFTEIDIfPresent(ies); err == nil && f != nil {
		fteids = append(fteids, *f)
	}
	for _, bc := range findAllIEs(ies, ieBearerContext) {
		if ie, ok := findIE(bc.Nested, ieFTEID); ok {
			if f, err := DecodeFTEID(ie.Value); err == nil {
				fteids = append(fteids, f)
			}
		}
	}
	if len(fteids) > 0 {
		msg.Details["fteids"] = fteids
	}
}

func decodeFTEIDIfPresent(ies []IE) (*FTEID, error) {
	ie, ok := findIE(ies, ieFTEID)
	if !ok {
		return nil, nil
	}
	f, err := DecodeFTEID(ie.Value)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func decodePAA(value []byte) string {
	if len(value) < 1 {
		return ""
	}
	pdnType := value[0] & 0x07
	switch pdnType {
	case 1: // IPv4
		if len(value) >= 5 {
			return net.IP(value[1:5]).String()
		}
	case 2: // IPv6
		if len(value) >= 17 {
			return net.IP(value[1:17]).String()
		}
	}
	return ""
}

func isRequest(messageType uint8) bool {
	switch messageType {
	case MsgCreateSessionRequest, MsgModifyBearerRequest, MsgDeleteSessionRequest,
		MsgCreateBearerRequest, MsgUpdateBearerRequest, MsgDeleteBearerRequest:
		return true
	}
	return false
}

func identifyNetworkElements(msg *proto.Message, messageType uint8) {
	switch messageType {
	case MsgCreateSessionRequest:
		msg.Source.Type, msg.Destination.Type = "SGW", "PGW"
	case MsgCreateSessionResponse:
		msg.Source.Type, msg.Destination.Type = "PGW", "SGW"
	case MsgCreateBearerRequest, MsgUpdateBearerRequest, MsgDeleteBearerRequest:
		msg.Source.Type, msg.Destination.Type = "PGW", "SGW"
	case MsgCreateBearerResponse, MsgUpdateBearerResponse, MsgDeleteBearerResponse:
		msg.Source.Type, msg.Destination.Type = "SGW", "PGW"
	default:
		msg.Source.Type, msg.Destination.Type = "Unknown", "Unknown"
	}
}

func messageName(t uint8) string {
	names := map[uint8]string{
		MsgCreateSessionRequest:  "CreateSessionRequest",
		MsgCreateSessionResponse: "CreateSessionResponse",
		MsgModifyBearerRequest:   "ModifyBearerRequest",
		MsgModifyBearerResponse:  "ModifyBearerResponse",
		MsgDeleteSessionRequest:  "DeleteSessionRequest",
		MsgDeleteSessionResponse: "DeleteSessionResponse",
		MsgCreateBearerRequest:   "CreateBearerRequest",
		MsgCreateBearerResponse:  "CreateBearerResponse",
		MsgUpdateBearerRequest:   "UpdateBearerRequest",
		MsgUpdateBearerResponse:  "UpdateBearerResponse",
		MsgDeleteBearerRequest:   "DeleteBearerRequest",
		MsgDeleteBearerResponse:  "DeleteBearerResponse",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("GTPv2_MessageType_%d", t)
}
