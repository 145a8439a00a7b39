package framing

import "bytes"

const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// maxHTTP2FrameLength is 16 MiB, the largest declarable frame payload.
const maxHTTP2FrameLength = 16 << 20

// HTTP2Framer extracts whole HTTP/2 frames (9-byte header + payload) from a
// byte stream, first consuming the fixed connection preface.
type HTTP2Framer struct {
	buf           []byte
	prefaceSeen   bool
	onMessage     MessageCallback
}

// NewHTTP2Framer returns a framer that invokes onMessage once per complete frame.
func NewHTTP2Framer(onMessage MessageCallback) *HTTP2Framer {
	return &HTTP2Framer{onMessage: onMessage}
}

func (f *HTTP2Framer) ProcessData(data []byte) int {
	f.buf = append(f.buf, data...)
	consumed := len(data)

	if !f.prefaceSeen {
		if len(f.buf) < len(http2Preface) {
			return consumed
		}
		if !bytes.Equal(f.buf[:len(http2Preface)], []byte(http2Preface)) {
			// Not an HTTP/2 connection; nothing more this framer can do.
			f.buf = nil
			return consumed
		}
		f.buf = f.buf[len(http2Preface):]
		f.prefaceSeen = true
	}

	for {
		if len(f.buf) < 9 {
			return consumed
		}
		length := int(f.buf[0])<<16 | int(f.buf[1])<<8 | int(f.buf[2])
		if length > maxHTTP2FrameLength {
			f.buf = nil
			return consumed
		}
		total := 9 + length
		if len(f.buf) < total {
			return consumed
		}

		frame := make([]byte, total)
		copy(frame, f.buf[:total])
		f.buf = f.buf[total:]
		if f.onMessage != nil {
			f.onMessage(frame)
		}
	}
}

func (f *HTTP2Framer) Flush() {
	f.buf = nil
}

func (f *HTTP2Framer) Reset() {
	f.buf = nil
	f.prefaceSeen = false
}
