package framing

import (
	"bytes"
	"strconv"
	"strings"
)

// maxSIPBufferBytes is the 64 KiB ceiling past which an un-terminated SIP
// buffer is presumed malformed or non-SIP and discarded. The source never
// indicates whether a partial subsequent pickup should be attempted after an
// overflow discard; this framer's decision (see DESIGN.md) is to drop the
// whole buffer and start clean, the conservative reading of "malformed or
// non-SIP".
const maxSIPBufferBytes = 64 * 1024

// SIPFramer extracts complete SIP messages (headers + body, sized by
// Content-Length) from a reassembled TCP stream.
type SIPFramer struct {
	buf      []byte
	onMessage MessageCallback
}

// NewSIPFramer returns a framer that invokes onMessage once per complete SIP message.
func NewSIPFramer(onMessage MessageCallback) *SIPFramer {
	return &SIPFramer{onMessage: onMessage}
}

// ProcessData appends data to the internal buffer and extracts as many
// complete messages as are present, returning how many input bytes were
// consumed into the buffer (always len(data); framing works off the buffer).
func (f *SIPFramer) ProcessData(data []byte) int {
	f.buf = append(f.buf, data...)
	consumed := len(data)

	for {
		idx := bytes.Index(f.buf, []byte("\r\n\r\n"))
		if idx < 0 {
			if len(f.buf) > maxSIPBufferBytes {
				f.buf = nil
			}
			return consumed
		}

		headerEnd := idx + 4
		contentLength := parseContentLength(f.buf[:headerEnd])
		total := headerEnd + contentLength
		if len(f.buf) < total {
			if len(f.buf) > maxSIPBufferBytes {
				f.buf = nil
			}
			return consumed
		}

		msg := make([]byte, total)
		copy(msg, f.buf[:total])
		f.buf = f.buf[total:]
		if f.onMessage != nil {
			f.onMessage(msg)
		}
	}
}

// parseContentLength scans header lines case-insensitively for the canonical
// "Content-Length" header or its compact form "l".
func parseContentLength(headers []byte) int {
	lines := strings.Split(string(headers), "\r\n")
	for _, line := range lines {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		if name != "content-length" && name != "l" {
			continue
		}
		value := strings.TrimSpace(line[colon+1:])
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

// Flush discards any partial trailing buffer; SIP has no end-of-stream
// mid-message recovery.
func (f *SIPFramer) Flush() {
	f.buf = nil
}

// Reset clears all buffered state.
func (f *SIPFramer) Reset() {
	f.buf = nil
}
