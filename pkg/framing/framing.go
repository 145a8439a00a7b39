// Package framing implements the Stream Framer (component B): turning an
// append-only reassembled byte buffer into whole protocol messages.
package framing

// MessageCallback fires once per complete message extracted from the stream.
type MessageCallback func(message []byte)

// Framer converts an append-only byte buffer into whole messages.
//
// ProcessData is total: every call returns promptly, having either consumed
// some prefix of data (via the callback, 0 or more times) or buffered it for
// a future call. It never blocks.
type Framer interface {
	ProcessData(data []byte) (consumed int)
	Flush()
	Reset()
}
