// Package rtp decodes RTP (RFC 3550) headers for VoLTE media-leg
// correlation: SSRC plus sequence/timestamp continuity.
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/telecorr/engine/pkg/proto"
)

// Header is the fixed 12-byte RTP header plus any CSRC list.
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRCs          []uint32
}

// Decoder implements proto.Decoder for RTP.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Protocol() proto.Protocol { return proto.ProtocolRTP }

func (d *Decoder) CanDecode(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	version := (data[0] >> 6) & 0x03
	return version == 2
}

func (d *Decoder) Decode(data []byte, meta proto.Metadata) (*proto.Message, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	msg := proto.NewMessage(proto.ProtocolRTP, meta)
	msg.RawPayload = data
	msg.PayloadSize = len(data)
	msg.SequenceNum = uint32(h.SequenceNumber)
	msg.MessageType = fmt.Sprintf("%d", h.PayloadType)
	msg.MessageName = "RTP"
	msg.Details["ssrc"] = h.SSRC
	msg.Details["timestamp"] = h.Timestamp
	msg.Details["payload_type"] = h.PayloadType
	msg.Details["marker"] = h.Marker

	return msg, nil
}

// ParseHeader parses the fixed header and any CSRC identifiers.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 12 {
		return Header{}, fmt.Errorf("rtp header: %w", proto.ErrInsufficientData)
	}
	h := Header{
		Version:        (data[0] >> 6) & 0x03,
		Padding:        data[0]&0x20 != 0,
		Extension:      data[0]&0x10 != 0,
		CSRCCount:      data[0] & 0x0F,
		Marker:         data[1]&0x80 != 0,
		PayloadType:    data[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		SSRC:           binary.BigEndian.Uint32(data[8:12]),
	}
	needed := 12 + int(h.CSRCCount)*4
	if len(data) < needed {
		return h, fmt.Errorf("rtp csrc list: %w", proto.ErrInsufficientData)
	}
	for i := 0; i < int(h.CSRCCount); i++ {
		off := 12 + i*4
		h.CSRCs = append(h.CSRCs, binary.BigEndian.Uint32(data[off:off+4]))
	}
	return h, nil
}
