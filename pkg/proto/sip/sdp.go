package sip

import (
	"strconv"
	"strings"
)

// MediaDirection is the negotiated a= attribute for a media section.
type MediaDirection string

const (
	DirSendRecv MediaDirection = "sendrecv"
	DirSendOnly MediaDirection = "sendonly"
	DirRecvOnly MediaDirection = "recvonly"
	DirInactive MediaDirection = "inactive"
)

// Codec is one rtpmap-described payload type.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Params      string // fmtp line for this payload type, if any
}

// MediaSection is one m= block of an SDP body.
type MediaSection struct {
	Type           string // audio, video, application, ...
	Port           int
	Protocol       string
	PayloadTypes   []int
	ConnectionIP   string
	Direction      MediaDirection
	BandwidthKbps  int
	Codecs         []Codec
	QoSPrecondition string // RFC 3312 curr/des/conf status line, if present
}

// SDP is the decoded session description body.
type SDP struct {
	SessionConnectionIP string
	Media               []MediaSection
}

// parseSDP decodes the subset of RFC 4566 the VoLTE correlator needs: media
// sections with codec, connection address, bandwidth, direction, and the
// RFC 3312 QoS precondition status lines.
func parseSDP(body []byte) *SDP {
	sdp := &SDP{}
	var current *MediaSection

	lines := strings.Split(string(body), "\n")
	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		typ, val := line[0], line[2:]

		switch typ {
		case 'c':
			ip := parseConnectionIP(val)
			if current != nil {
				current.ConnectionIP = ip
			} else {
				sdp.SessionConnectionIP = ip
			}
		case 'm':
			if current != nil {
				sdp.Media = append(sdp.Media, *current)
			}
			current = parseMediaLine(val)
		case 'a':
			if current == nil {
				continue
			}
			applyMediaAttribute(current, val)
		case 'b':
			if current != nil {
				current.BandwidthKbps = parseBandwidth(val)
			}
		}
	}
	if current != nil {
		sdp.Media = append(sdp.Media, *current)
	}
	return sdp
}

func parseConnectionIP(val string) string {
	fields := strings.Fields(val)
	if len(fields) != 3 {
		return ""
	}
	return fields[2]
}

func parseMediaLine(val string) *MediaSection {
	fields := strings.Fields(val)
	if len(fields) < 3 {
		return &MediaSection{Direction: DirSendRecv}
	}
	m := &MediaSection{Type: fields[0], Protocol: fields[2], Direction: DirSendRecv}
	if port, err := strconv.Atoi(fields[1]); err == nil {
		m.Port = port
	}
	for _, pt := range fields[3:] {
		if n, err := strconv.Atoi(pt); err == nil {
			m.PayloadTypes = append(m.PayloadTypes, n)
		}
	}
	return m
}

func parseBandwidth(val string) int {
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0
	}
	return n
}

func applyMediaAttribute(m *MediaSection, val string) {
	switch {
	case val == "sendrecv":
		m.Direction = DirSendRecv
	case val == "sendonly":
		m.Direction = DirSendOnly
	case val == "recvonly":
		m.Direction = DirRecvOnly
	case val == "inactive":
		m.Direction = DirInactive
	case strings.HasPrefix(val, "rtpmap:"):
		applyRtpmap(m, strings.TrimPrefix(val, "rtpmap:"))
	case strings.HasPrefix(val, "fmtp:"):
		applyFmtp(m, strings.TrimPrefix(val, "fmtp:"))
	case strings.HasPrefix(val, "curr:qos") || strings.HasPrefix(val, "des:qos") || strings.HasPrefix(val, "conf:qos"):
		m.QoSPrecondition += val + ";"
	}
}

func applyRtpmap(m *MediaSection, val string) {
	fields := strings.SplitN(val, " ", 2)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	encoding := strings.SplitN(fields[1], "/", 2)
	c := Codec{PayloadType: pt, Name: encoding[0]}
	if len(encoding) == 2 {
		if rate, err := strconv.Atoi(encoding[1]); err == nil {
			c.ClockRate = rate
		}
	}
	m.Codecs = append(m.Codecs, c)
}

func applyFmtp(m *MediaSection, val string) {
	fields := strings.SplitN(val, " ", 2)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			m.Codecs[i].Params = fields[1]
			return
		}
	}
}

// HasVideo reports whether any media section is a video m-line, used by the
// session-type classifier to distinguish VOICE_CALL from VIDEO_CALL.
func (s *SDP) HasVideo() bool {
	for _, m := range s.Media {
		if m.Type == "video" {
			return true
		}
	}
	return false
}
