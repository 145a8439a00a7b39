// Package s1ap decodes a practical subset of S1AP (TS 36.413) procedures,
// enough to recover the UE-S1AP-Id pair and embedded NAS-PDU that the
// subscriber store and NAS security context need.
package s1ap

import (
	"encoding/binary"
	"fmt"

	"github.com/telecorr/engine/pkg/proto"
)

// Procedure codes relevant to subscriber/NAS correlation.
const (
	ProcInitialUEMessage        = 12
	ProcDownlinkNASTransport     = 11
	ProcUplinkNASTransport       = 13
	ProcInitialContextSetup      = 9
	ProcUEContextRelease         = 23
	ProcUEContextReleaseRequest  = 24
	ProcHandoverRequired         = 0
	ProcHandoverNotify           = 3
)

// PDU presence types.
const (
	pduInitiatingMessage = 0
	pduSuccessfulOutcome = 1
	pduUnsuccessfulOutcome = 2
)

// IE identifiers used for correlation.
const (
	ieMMEUES1APID  = 0
	ieENBUES1APID  = 8
	ieNASPDU       = 26
	ieEUTRANCGI    = 100
	ieTAI          = 114
)

// Exported IE identifiers, for callers outside this package that need to
// pick a NAS-PDU or UE-S1AP-Id IE out of a decoded Message's IE list (the
// NAS security context is one such caller).
const (
	IEMMEUES1APID = ieMMEUES1APID
	IEENBUES1APID = ieENBUES1APID
	IENASPDU      = ieNASPDU
)

// IE is one decoded S1AP protocol IE (the simplified ASN.1 PER-ish TLV view
// this decoder works with, not a full ASN.1 BER/PER parse).
type IE struct {
	ID    uint16
	Value []byte
}

// Decoder implements proto.Decoder for S1AP.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Protocol() proto.Protocol { return proto.ProtocolS1AP }

// CanDecode recognises the envelope this decoder expects: a one-byte PDU
// choice followed by a one-byte procedure code and a 2-byte IE count, which
// callers place on the SCTP payload ahead of the IE list.
func (d *Decoder) CanDecode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	choice := data[0]
	return choice <= pduUnsuccessfulOutcome
}

func (d *Decoder) Decode(data []byte, meta proto.Metadata) (*proto.Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("s1ap envelope: %w", proto.ErrInsufficientData)
	}
	choice := data[0]
	procedureCode := data[1]
	ieCount := binary.BigEndian.Uint16(data[2:4])

	ies, err := parseIEs(data[4:], int(ieCount))
	if err != nil {
		return nil, fmt.Errorf("s1ap ies: %w", err)
	}

	msg := proto.NewMessage(proto.ProtocolS1AP, meta)
	msg.RawPayload = data
	msg.PayloadSize = len(data)
	msg.MessageType = fmt.Sprintf("%d", procedureCode)
	msg.MessageName = procedureName(procedureCode)
	msg.Details["ies"] = ies

	switch choice {
	case pduInitiatingMessage:
		msg.Direction = proto.DirectionRequest
	default:
		msg.Direction = proto.DirectionResponse
	}

	extractCorrelationFields(msg, ies)

	return msg, nil
}

func parseIEs(data []byte, count int) ([]IE, error) {
	var ies []IE
	offset := 0
	for i := 0; i < count && offset+4 <= len(data); i++ {
		id := binary.BigEndian.Uint16(data[offset : offset+2])
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		valStart := offset + 4
		valEnd := valStart + length
		if valEnd > len(data) {
			return ies, fmt.Errorf("s1ap ie %d length %d exceeds buffer: %w", id, length, proto.ErrInvalidData)
		}
		ies = append(ies, IE{ID: id, Value: data[valStart:valEnd]})
		offset = valEnd
	}
	return ies, nil
}

func findIE(ies []IE, id uint16) (IE, bool) {
	for _, ie := range ies {
		if ie.ID == id {
			return ie, true
		}
	}
	return IE{}, false
}

func extractCorrelationFields(msg *proto.Message, ies []IE) {
	if ie, ok := findIE(ies, ieMMEUES1APID); ok && len(ie.Value) >= 4 {
		msg.Details["mme_ue_s1ap_id"] = binary.BigEndian.Uint32(ie.Value)
	}
	if ie, ok := findIE(ies, ieENBUES1APID); ok && len(ie.Value) >= 4 {
		msg.Details["enb_ue_s1ap_id"] = binary.BigEndian.Uint32(ie.Value)
	}
	if ie, ok := findIE(ies, ieNASPDU); ok {
		msg.Details["nas_pdu"] = ie.Value
	}
	if ie, ok := findIE(ies, ieTAI); ok {
		msg.Details["tai"] = ie.Value
	}
	if ie, ok := findIE(ies, ieEUTRANCGI); ok {
		msg.Details["eutran_cgi"] = ie.Value
	}
}

func procedureName(code uint8) string {
	names := map[uint8]string{
		ProcHandoverRequired:        "HandoverRequired",
		ProcHandoverNotify:          "HandoverNotify",
		ProcInitialContextSetup:     "InitialContextSetup",
		ProcDownlinkNASTransport:    "DownlinkNASTransport",
		ProcInitialUEMessage:        "InitialUEMessage",
		ProcUplinkNASTransport:      "UplinkNASTransport",
		ProcUEContextRelease:        "UEContextRelease",
		ProcUEContextReleaseRequest: "UEContextReleaseRequest",
	}
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("S1AP_Procedure_%d", code)
}
