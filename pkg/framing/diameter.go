package framing

// DiameterFramer extracts complete DIAMETER messages from a byte stream
// using the 24-bit big-endian length field at bytes [1..3].
type DiameterFramer struct {
	buf       []byte
	onMessage MessageCallback
}

// NewDiameterFramer returns a framer that invokes onMessage once per complete message.
func NewDiameterFramer(onMessage MessageCallback) *DiameterFramer {
	return &DiameterFramer{onMessage: onMessage}
}

func (f *DiameterFramer) ProcessData(data []byte) int {
	f.buf = append(f.buf, data...)
	consumed := len(data)

	for {
		if len(f.buf) < 4 {
			return consumed
		}
		length := int(f.buf[1])<<16 | int(f.buf[2])<<8 | int(f.buf[3])
		if length < 20 || length > 16777215 {
			// Malformed length field: abandon the buffer, it cannot be resynchronised.
			f.buf = nil
			return consumed
		}
		if len(f.buf) < length {
			return consumed
		}

		msg := make([]byte, length)
		copy(msg, f.buf[:length])
		f.buf = f.buf[length:]
		if f.onMessage != nil {
			f.onMessage(msg)
		}
	}
}

func (f *DiameterFramer) Flush() {
	f.buf = nil
}

func (f *DiameterFramer) Reset() {
	f.buf = nil
}
