// Package proto defines the neutral message record shared by every protocol
// decoder (component D) and consumed by the Field Registry (component E).
package proto

import (
	"errors"
	"time"
)

// Protocol names a decoded message's wire protocol.
type Protocol string

const (
	ProtocolSIP      Protocol = "SIP"
	ProtocolDiameter Protocol = "Diameter"
	ProtocolGTPv2C   Protocol = "GTPv2-C"
	ProtocolPFCP     Protocol = "PFCP"
	ProtocolS1AP     Protocol = "S1AP"
	ProtocolRTP      Protocol = "RTP"
	ProtocolUnknown  Protocol = "Unknown"
)

// Direction classifies a message relative to the connection that carried it.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionUnknown  Direction = "unknown"
)

// Result summarises a message's outcome where the protocol has one.
type Result string

const (
	ResultUnknown Result = "unknown"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// NetworkElement names one endpoint of a message.
type NetworkElement struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Metadata is what the ingest adapter supplies alongside raw payload bytes.
type Metadata struct {
	CaptureTime time.Time
	FrameNumber uint64
	SourceIP    string
	SourcePort  int
	DestIP      string
	DestPort    int
}

// Message is the neutral, immutable-once-produced record every decoder emits.
// It is a tagged union over protocol: only the fields relevant to Protocol are
// populated, and the Field Registry's extractors key off Protocol before
// reading them.
type Message struct {
	ID          string
	Timestamp   time.Time
	FrameNumber uint64
	Protocol    Protocol
	MessageType string
	MessageName string
	Direction   Direction
	Result      Result

	Source      NetworkElement
	Destination NetworkElement

	// Correlation fields, populated by whichever decoder can produce them.
	IMSI          string
	MSISDN        string
	SUPI          string
	TEID          uint32
	SEID          uint64
	PLMN          string
	APN           string
	CallID        string
	ICID          string
	SessionID     string
	TransactionID string
	SequenceNum   uint32
	CauseCode     int

	// Details carries protocol-specific fields that do not warrant a typed
	// struct member (headers, AVP tree, IE list). Values are primitives,
	// []byte, or further map[string]interface{} for grouped structures.
	Details map[string]interface{}

	RawPayload  []byte
	PayloadSize int
	DecodeTimeUs int64
}

// NewMessage allocates a Message with its Details map ready for use.
func NewMessage(proto Protocol, meta Metadata) *Message {
	return &Message{
		Timestamp:   meta.CaptureTime,
		FrameNumber: meta.FrameNumber,
		Protocol:    proto,
		Details:     make(map[string]interface{}),
		Source:      NetworkElement{IP: meta.SourceIP, Port: meta.SourcePort},
		Destination: NetworkElement{IP: meta.DestIP, Port: meta.DestPort},
	}
}

// Decoder is the contract every protocol decoder satisfies (component D).
type Decoder interface {
	Protocol() Protocol
	CanDecode(data []byte) bool
	Decode(data []byte, meta Metadata) (*Message, error)
}

// Decode error taxonomy (§7): malformed bytes are reported through these
// sentinels and wrapped with context; the caller's policy is always to
// discard the single message and bump a counter, never to abort.
var (
	ErrInsufficientData   = errors.New("proto: insufficient data")
	ErrInvalidData        = errors.New("proto: invalid data")
	ErrUnsupportedVersion = errors.New("proto: unsupported version")
	ErrNoDecoderFound     = errors.New("proto: no decoder found")
)

// Registry dispatches raw payload to the first decoder whose CanDecode
// accepts it, mirroring the Field Registry's single-process-wide instance.
type Registry struct {
	decoders []Decoder
	stats    map[Protocol]*DecoderStats
}

// DecoderStats counts decode outcomes per protocol, the signal §7 requires in
// place of synchronous errors.
type DecoderStats struct {
	Decoded int64
	Errors  int64
}

// NewRegistry returns an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{stats: make(map[Protocol]*DecoderStats)}
}

// Register adds a decoder, tried in registration order.
func (r *Registry) Register(d Decoder) {
	r.decoders = append(r.decoders, d)
	r.stats[d.Protocol()] = &DecoderStats{}
}

// Decode finds the first matching decoder and decodes data with it.
func (r *Registry) Decode(data []byte, meta Metadata) (*Message, error) {
	for _, d := range r.decoders {
		if !d.CanDecode(data) {
			continue
		}
		msg, err := d.Decode(data, meta)
		st := r.stats[d.Protocol()]
		if err != nil {
			st.Errors++
			return nil, err
		}
		st.Decoded++
		return msg, nil
	}
	return nil, ErrNoDecoderFound
}

// Stats returns a snapshot of the per-protocol decode counters.
func (r *Registry) Stats() map[Protocol]DecoderStats {
	out := make(map[Protocol]DecoderStats, len(r.stats))
	for p, s := range r.stats {
		out[p] = *s
	}
	return out
}
