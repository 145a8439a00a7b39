// Package sip decodes SIP (RFC 3261) requests and responses, the 3GPP
// P-header family, and embedded SDP bodies into the neutral proto.Message
// record consumed by the SIP correlator and VoLTE call correlator.
package sip

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/telecorr/engine/pkg/proto"
)

var sipMethods = map[string]bool{
	"INVITE": true, "ACK": true, "BYE": true, "CANCEL": true, "REGISTER": true,
	"OPTIONS": true, "PRACK": true, "SUBSCRIBE": true, "NOTIFY": true,
	"PUBLISH": true, "INFO": true, "REFER": true, "MESSAGE": true, "UPDATE": true,
}

// Via is one decoded Via header, including its RFC 3261 branch parameter.
type Via struct {
	Transport string
	Host      string
	Port      int
	Branch    string
	Params    map[string]string
}

// StartLine is the decoded first line of a SIP message.
type StartLine struct {
	IsRequest  bool
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
}

// Parsed holds every header and body field the SIP correlator needs.
type Parsed struct {
	Start       StartLine
	Headers     map[string][]string // lower-cased header name -> raw values, in order
	CallID      string
	From        string
	FromTag     string
	To          string
	ToTag       string
	CSeqNum     uint32
	CSeqMethod  string
	Vias        []Via
	Contact     string
	ICID        string
	PAI         string // P-Asserted-Identity
	PPI         string // P-Preferred-Identity
	PANI        string // P-Access-Network-Info
	ContentType string
	Body        []byte
	SDP         *SDP
}

// compactForms maps the RFC 3261 compact header tokens to their canonical
// long name.
var compactForms = map[string]string{
	"i": "call-id", "f": "from", "t": "to", "v": "via", "m": "contact",
	"l": "content-length", "c": "content-type", "s": "subject", "k": "supported",
}

func canonicalHeader(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if long, ok := compactForms[lower]; ok {
		return long
	}
	return lower
}

// Decoder implements proto.Decoder for SIP.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Protocol() proto.Protocol { return proto.ProtocolSIP }

func (d *Decoder) CanDecode(data []byte) bool {
	return bytes.Contains(data, []byte("SIP/2.0"))
}

func (d *Decoder) Decode(data []byte, meta proto.Metadata) (*proto.Message, error) {
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}

	msg := proto.NewMessage(proto.ProtocolSIP, meta)
	msg.RawPayload = data
	msg.PayloadSize = len(data)
	msg.CallID = p.CallID
	msg.ICID = p.ICID
	msg.TransactionID = transactionKey(p)
	msg.Details["headers"] = p.Headers
	msg.Details["from_tag"] = p.FromTag
	msg.Details["to_tag"] = p.ToTag
	msg.Details["cseq_method"] = p.CSeqMethod
	msg.Details["cseq_num"] = p.CSeqNum
	msg.Details["vias"] = p.Vias
	msg.Details["contact"] = p.Contact
	msg.Details["p_asserted_identity"] = p.PAI
	msg.Details["p_preferred_identity"] = p.PPI
	msg.Details["p_access_network_info"] = p.PANI
	msg.Details["request_uri"] = p.Start.RequestURI
	msg.Details["to"] = p.To
	msg.Details["from"] = p.From
	if p.SDP != nil {
		msg.Details["sdp"] = p.SDP
	}

	if p.Start.IsRequest {
		msg.Direction = proto.DirectionRequest
		msg.MessageType = p.Start.Method
		msg.MessageName = p.Start.Method
	} else {
		msg.Direction = proto.DirectionResponse
		msg.MessageType = fmt.Sprintf("%d", p.Start.StatusCode)
		msg.MessageName = fmt.Sprintf("%d %s", p.Start.StatusCode, p.Start.Reason)
		msg.CauseCode = p.Start.StatusCode
		if p.Start.StatusCode >= 200 && p.Start.StatusCode < 300 {
			msg.Result = proto.ResultSuccess
		} else if p.Start.StatusCode >= 300 {
			msg.Result = proto.ResultFailure
		}
	}

	return msg, nil
}

func transactionKey(p *Parsed) string {
	branch := ""
	if len(p.Vias) > 0 {
		branch = p.Vias[0].Branch
	}
	return branch + "|" + p.CSeqMethod
}

// Parse decodes a complete SIP message (headers + optional body) already
// delimited by the stream framer.
func Parse(data []byte) (*Parsed, error) {
	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("sip: no header terminator: %w", proto.ErrInvalidData)
	}
	headerBlock := data[:headerEnd]
	body := data[headerEnd+4:]

	scanner := bufio.NewScanner(bytes.NewReader(headerBlock))
	scanner.Buffer(make([]byte, 4096), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("sip: empty message: %w", proto.ErrInvalidData)
	}
	start, err := parseStartLine(scanner.Text())
	if err != nil {
		return nil, err
	}

	p := &Parsed{Start: start, Headers: make(map[string][]string)}

	var currentName, currentValue string
	flush := func() {
		if currentName == "" {
			return
		}
		name := canonicalHeader(currentName)
		p.Headers[name] = append(p.Headers[name], strings.TrimSpace(currentValue))
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && currentName != "" {
			currentValue += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		idx := strings.Index(line, ":")
		if idx < 0 {
			currentName = ""
			continue
		}
		currentName = line[:idx]
		currentValue = line[idx+1:]
	}
	flush()

	p.CallID = firstHeader(p.Headers, "call-id")
	p.From, p.FromTag = splitAddrTag(firstHeader(p.Headers, "from"))
	p.To, p.ToTag = splitAddrTag(firstHeader(p.Headers, "to"))
	p.Contact = firstHeader(p.Headers, "contact")
	p.PAI = firstHeader(p.Headers, "p-asserted-identity")
	p.PPI = firstHeader(p.Headers, "p-preferred-identity")
	p.PANI = firstHeader(p.Headers, "p-access-network-info")
	p.ContentType = firstHeader(p.Headers, "content-type")
	p.ICID = extractICID(firstHeader(p.Headers, "p-charging-vector"))

	if cseq := firstHeader(p.Headers, "cseq"); cseq != "" {
		fields := strings.Fields(cseq)
		if len(fields) == 2 {
			if n, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
				p.CSeqNum = uint32(n)
			}
			p.CSeqMethod = strings.ToUpper(fields[1])
		}
	}

	for _, raw := range p.Headers["via"] {
		p.Vias = append(p.Vias, parseVia(raw))
	}

	if len(body) > 0 && strings.Contains(strings.ToLower(p.ContentType), "sdp") {
		p.Body = body
		p.SDP = parseSDP(body)
	} else if len(body) > 0 {
		p.Body = body
	}

	return p, nil
}

func firstHeader(h map[string][]string, name string) string {
	vals := h[name]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func parseStartLine(line string) (StartLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return StartLine{}, fmt.Errorf("sip: malformed start line: %w", proto.ErrInvalidData)
	}
	if strings.HasPrefix(fields[2], "SIP/") {
		method := strings.ToUpper(fields[0])
		if !sipMethods[method] {
			return StartLine{}, fmt.Errorf("sip: unknown method %q: %w", fields[0], proto.ErrInvalidData)
		}
		return StartLine{IsRequest: true, Method: method, RequestURI: fields[1]}, nil
	}
	if strings.HasPrefix(fields[0], "SIP/") {
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return StartLine{}, fmt.Errorf("sip: bad status code: %w", proto.ErrInvalidData)
		}
		reason := strings.Join(fields[2:], " ")
		return StartLine{IsRequest: false, StatusCode: code, Reason: reason}, nil
	}
	return StartLine{}, fmt.Errorf("sip: unrecognised start line: %w", proto.ErrInvalidData)
}

// splitAddrTag strips a From/To header down to the bare address and its tag
// parameter, matching the normalisation the SIP correlator applies.
func splitAddrTag(header string) (addr, tag string) {
	parts := strings.Split(header, ";")
	addr = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "tag") {
			tag = kv[1]
		}
	}
	return addr, tag
}

func extractICID(pcv string) string {
	for _, p := range strings.Split(pcv, ";") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "icid-value") {
			return strings.Trim(kv[1], `"`)
		}
	}
	return ""
}

func parseVia(raw string) Via {
	v := Via{Params: make(map[string]string)}
	parts := strings.Split(raw, ";")
	head := strings.TrimSpace(parts[0])

	fields := strings.Fields(head)
	if len(fields) >= 2 {
		proto := strings.Split(fields[0], "/")
		if len(proto) == 3 {
			v.Transport = proto[2]
		}
		hostport := fields[1]
		if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
			v.Host = hostport[:idx]
			if port, err := strconv.Atoi(hostport[idx+1:]); err == nil {
				v.Port = port
			}
		} else {
			v.Host = hostport
		}
	}

	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		v.Params[strings.ToLower(kv[0])] = kv[1]
		if strings.EqualFold(kv[0], "branch") {
			v.Branch = kv[1]
		}
	}
	return v
}

// NormalizeMSISDN implements the §4.F MSISDN normalisation rule: strip
// display name/angle brackets/quotes, take the user part of the first
// sip: URI, keep digits only (a leading '+' is kept only for emergency
// numbers, which the caller signals explicitly).
func NormalizeMSISDN(addr string, emergency bool) string {
	uriStart := strings.Index(addr, "sip:")
	if uriStart < 0 {
		uriStart = strings.Index(addr, "tel:")
	}
	s := addr
	if uriStart >= 0 {
		s = addr[uriStart+4:]
	}
	if idx := strings.IndexAny(s, "@;>"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Trim(s, `"<> `)

	var digits strings.Builder
	leadingPlus := strings.HasPrefix(s, "+")
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if emergency && leadingPlus {
		return "+" + digits.String()
	}
	return digits.String()
}
