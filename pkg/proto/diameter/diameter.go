// Package diameter decodes DIAMETER messages (RFC 6733) into the neutal
// proto.Message record, projecting the AVP tree into the fields the
// DIAMETER correlator and VoLTE correlator need.
package diameter

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/telecorr/engine/pkg/proto"
)

// Application-Id values the correlator recognises (§4.H).
const (
	AppCreditControl = 4
	AppCx            = 16777216
	AppSh            = 16777217
	AppRx            = 16777236
	AppGx            = 16777238
	AppS6a           = 16777251
)

// AVP codes used by the correlation-relevant fields.
const (
	avpSessionID            = 263
	avpResultCode            = 268
	avpExperimentalResult    = 297
	avpExperimentalResultCode = 298
	avpUserName              = 1
	avpSubscriptionID        = 443
	avpSubscriptionIDType    = 450
	avpSubscriptionIDData    = 444
	avpFramedIPAddress       = 8
	avpFramedIPv6Prefix      = 97
	avpCalledStationID       = 30
	avp3GPPRATType           = 21
	avpPublicIdentity        = 601
	avpAFApplicationID       = 504
	avpMediaType             = 520
	avpCCRequestType         = 416
	avpCCRequestNumber       = 415
	avpChargingRuleInstall   = 1001
	avpChargingRuleName      = 1005
	avpQoSInformation        = 1016
	avpQoSClassIdentifier    = 1028
	avp3GPPVendorID          = 10415
	avpICID                  = 841 // 3GPP-IMS-Charging-Identifier
)

// subscriptionIDType values.
const (
	subIDTypeE164   = 0
	subIDTypeIMSI   = 1
)

// Header is the 20-byte DIAMETER message header.
type Header struct {
	Version       uint8
	Length        uint32
	Flags         uint8
	CommandCode   uint32
	ApplicationID uint32
	HopByHopID    uint32
	EndToEndID    uint32
}

func (h Header) IsRequest() bool { return h.Flags&0x80 != 0 }

// AVP is one decoded attribute-value pair, recursively holding sub-AVPs when
// the AVP is grouped.
type AVP struct {
	Code     uint32
	VendorID uint32
	Flags    uint8
	Data     []byte
	Grouped  []AVP
}

const (
	avpFlagVendor = 0x80
)

// Decoder implements proto.Decoder for DIAMETER.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Protocol() proto.Protocol { return proto.ProtocolDiameter }

func (d *Decoder) CanDecode(data []byte) bool {
	if len(data) < 20 {
		return false
	}
	if data[0] != 0x01 {
		return false
	}
	length := be24(data[1:4])
	return length >= 20 && length <= 65535 && data[4]&0x0F == 0
}

func (d *Decoder) Decode(data []byte, meta proto.Metadata) (*proto.Message, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("diameter header: %w", proto.ErrInsufficientData)
	}

	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.Length) > len(data) {
		return nil, fmt.Errorf("diameter length %d exceeds buffer: %w", h.Length, proto.ErrInvalidData)
	}

	avps, err := ParseAVPs(data[20:h.Length])
	if err != nil {
		return nil, fmt.Errorf("diameter avps: %w", err)
	}

	msg := proto.NewMessage(proto.ProtocolDiameter, meta)
	msg.RawPayload = data
	msg.PayloadSize = len(data)
	msg.Details["command_code"] = h.CommandCode
	msg.Details["application_id"] = h.ApplicationID
	msg.Details["hop_by_hop_id"] = h.HopByHopID
	msg.Details["end_to_end_id"] = h.EndToEndID
	msg.Details["avps"] = avps

	if h.IsRequest() {
		msg.Direction = proto.DirectionRequest
	} else {
		msg.Direction = proto.DirectionResponse
	}
	msg.MessageType = fmt.Sprintf("%d", h.CommandCode)
	msg.MessageName = commandName(h.CommandCode, h.IsRequest())
	msg.TransactionID = fmt.Sprintf("%d", h.HopByHopID)

	extractCorrelationFields(msg, h, avps)

	return msg, nil
}

// ParseHeader decodes the fixed 20-byte DIAMETER header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 20 {
		return Header{}, fmt.Errorf("diameter header: %w", proto.ErrInsufficientData)
	}
	return Header{
		Version:       data[0],
		Length:        be24(data[1:4]),
		Flags:         data[4],
		CommandCode:   be24(data[5:8]),
		ApplicationID: binary.BigEndian.Uint32(data[8:12]),
		HopByHopID:    binary.BigEndian.Uint32(data[12:16]),
		EndToEndID:    binary.BigEndian.Uint32(data[16:20]),
	}, nil
}

// ParseAVPs walks a 4-byte-aligned AVP list, recursing into grouped AVPs.
func ParseAVPs(data []byte) ([]AVP, error) {
	var avps []AVP
	offset := 0
	for offset+8 <= len(data) {
		code := binary.BigEndian.Uint32(data[offset : offset+4])
		flags := data[offset+4]
		length := be24(data[offset+5 : offset+8])
		if length < 8 || offset+int(length) > len(data) {
			return avps, fmt.Errorf("avp %d bad length %d: %w", code, length, proto.ErrInvalidData)
		}

		headerLen := 8
		var vendorID uint32
		if flags&avpFlagVendor != 0 {
			if offset+12 > len(data) {
				return avps, fmt.Errorf("avp %d vendor flag truncated: %w", code, proto.ErrInvalidData)
			}
			vendorID = binary.BigEndian.Uint32(data[offset+8 : offset+12])
			headerLen = 12
		}

		valueEnd := offset + int(length)
		value := data[offset+headerLen : valueEnd]

		avp := AVP{Code: code, VendorID: vendorID, Flags: flags, Data: value}
		if isGroupedCode(code) {
			if grouped, err := ParseAVPs(value); err == nil {
				avp.Grouped = grouped
			}
		}
		avps = append(avps, avp)

		padded := int(length)
		if rem := padded % 4; rem != 0 {
			padded += 4 - rem
		}
		offset += padded
	}
	return avps, nil
}

func isGroupedCode(code uint32) bool {
	switch code {
	case avpSubscriptionID, avpExperimentalResult, avpChargingRuleInstall, avpQoSInformation:
		return true
	}
	return false
}

// Typed accessors, mirroring the teacher's tagged extractor style.

func (a AVP) AsUint32() uint32 {
	if len(a.Data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(a.Data[:4])
}

func (a AVP) AsUint64() uint64 {
	if len(a.Data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(a.Data[:8])
}

func (a AVP) AsString() string {
	return string(a.Data)
}

func (a AVP) AsIPv4() string {
	if len(a.Data) < 6 {
		return ""
	}
	// Framed-IP-Address AVP: 2-byte address family (1 = IPv4) + 4-byte address.
	ip := net.IP(a.Data[2:6])
	return ip.String()
}

func findAVP(avps []AVP, code uint32) (AVP, bool) {
	for _, a := range avps {
		if a.Code == code {
			return a, true
		}
	}
	return AVP{}, false
}

func findAllAVPs(avps []AVP, code uint32) []AVP {
	var out []AVP
	for _, a := range avps {
		if a.Code == code {
			out = append(out, a)
		}
	}
	return out
}

// extractCorrelationFields is application-aware: it reads the fields the
// DIAMETER and VoLTE correlators consume (§4.H).
func extractCorrelationFields(msg *proto.Message, h Header, avps []AVP) {
	if sid, ok := findAVP(avps, avpSessionID); ok {
		msg.SessionID = sid.AsString()
	}

	iface := interfaceForApplication(h.ApplicationID)
	msg.Details["interface"] = iface

	if rc, ok := findAVP(avps, avpResultCode); ok {
		msg.CauseCode = int(rc.AsUint32())
	} else if er, ok := findAVP(avps, avpExperimentalResult); ok {
		if erc, ok2 := findAVP(er.Grouped, avpExperimentalResultCode); ok2 {
			msg.CauseCode = int(erc.AsUint32())
		}
	}

	if un, ok := findAVP(avps, avpUserName); ok {
		msg.IMSI = un.AsString()
	}
	for _, sub := range findAllAVPs(avps, avpSubscriptionID) {
		typ, _ := findAVP(sub.Grouped, avpSubscriptionIDType)
		val, ok := findAVP(sub.Grouped, avpSubscriptionIDData)
		if !ok {
			continue
		}
		switch typ.AsUint32() {
		case subIDTypeIMSI:
			msg.IMSI = val.AsString()
		case subIDTypeE164:
			msg.MSISDN = val.AsString()
		}
	}

	if fip, ok := findAVP(avps, avpFramedIPAddress); ok {
		msg.Details["framed_ip"] = fip.AsIPv4()
	}
	if apn, ok := findAVP(avps, avpCalledStationID); ok {
		msg.APN = apn.AsString()
	}
	if icid, ok := findAVP(avps, avpICID); ok {
		msg.ICID = icid.AsString()
	}
	if rat, ok := findAVP(avps, avp3GPPRATType); ok {
		msg.Details["rat_type"] = rat.AsUint32()
	}

	switch iface {
	case "Cx", "Sh":
		if pub, ok := findAVP(avps, avpPublicIdentity); ok {
			msg.Details["public_identity"] = pub.AsString()
		}
	case "Rx":
		if af, ok := findAVP(avps, avpAFApplicationID); ok {
			msg.Details["af_application_id"] = af.AsString()
		}
		if mt, ok := findAVP(avps, avpMediaType); ok {
			msg.Details["media_type"] = mt.AsUint32()
		}
	case "Gx", "Gy":
		if crt, ok := findAVP(avps, avpCCRequestType); ok {
			msg.Details["cc_request_type"] = crt.AsUint32()
		}
		if crn, ok := findAVP(avps, avpCCRequestNumber); ok {
			msg.Details["cc_request_number"] = crn.AsUint32()
		}
		var rules []string
		for _, inst := range findAllAVPs(avps, avpChargingRuleInstall) {
			for _, name := range findAllAVPs(inst.Grouped, avpChargingRuleName) {
				rules = append(rules, name.AsString())
			}
		}
		if len(rules) > 0 {
			msg.Details["charging_rule_names"] = rules
		}
		if qos, ok := findAVP(avps, avpQoSInformation); ok {
			if qci, ok2 := findAVP(qos.Grouped, avpQoSClassIdentifier); ok2 {
				msg.Details["qci"] = qci.AsUint32()
			}
		}
	}
}

func interfaceForApplication(appID uint32) string {
	switch appID {
	case AppCreditControl:
		return "Gy"
	case AppCx:
		return "Cx"
	case AppSh:
		return "Sh"
	case AppRx:
		return "Rx"
	case AppGx:
		return "Gx"
	case AppS6a:
		return "S6a"
	default:
		return "UNKNOWN"
	}
}

func commandName(code uint32, isRequest bool) string {
	names := map[uint32]string{
		257: "Capabilities-Exchange",
		258: "Re-Auth",
		271: "Accounting",
		272: "Credit-Control",
		280: "Device-Watchdog",
		282: "Disconnect-Peer",
		300: "User-Authorization",
		301: "Server-Assignment",
		302: "Location-Info",
		303: "Multimedia-Auth",
		304: "Registration-Termination",
		305: "Push-Profile",
		316: "Update-Location",
		317: "Cancel-Location",
		318: "Authentication-Information",
		319: "Insert-Subscriber-Data",
		320: "Delete-Subscriber-Data",
		321: "Purge-UE",
		322: "Reset",
		323: "Notify",
		265: "AA",
		274: "Session-Termination",
		275: "Abort-Session",
	}
	name, ok := names[code]
	if !ok {
		name = fmt.Sprintf("Command-%d", code)
	}
	if isRequest {
		return name + "-Request"
	}
	return name + "-Answer"
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
