package framing

import "testing"

func TestSIPFramerSplitAcrossCalls(t *testing.T) {
	var got []string
	f := NewSIPFramer(func(m []byte) { got = append(got, string(m)) })

	msg := "INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc\r\nContent-Length: 5\r\n\r\nhello"
	f.ProcessData([]byte(msg[:20]))
	f.ProcessData([]byte(msg[20:]))

	if len(got) != 1 || got[0] != msg {
		t.Fatalf("expected single reassembled message, got %v", got)
	}
}

func TestSIPFramerCompactContentLength(t *testing.T) {
	var got []string
	f := NewSIPFramer(func(m []byte) { got = append(got, string(m)) })

	msg := "OPTIONS sip:bob@example.com SIP/2.0\r\nl: 3\r\n\r\nabc"
	f.ProcessData([]byte(msg))

	if len(got) != 1 || got[0] != msg {
		t.Fatalf("expected compact Content-Length to be honoured, got %v", got)
	}
}

func TestSIPFramerDiscardsOverflow(t *testing.T) {
	f := NewSIPFramer(func(m []byte) {})
	junk := make([]byte, maxSIPBufferBytes+1)
	for i := range junk {
		junk[i] = 'x'
	}
	f.ProcessData(junk)
	if f.buf != nil {
		t.Fatalf("expected buffer discarded past overflow threshold")
	}
}

func TestDiameterFramerExtractsByLength(t *testing.T) {
	var got [][]byte
	f := NewDiameterFramer(func(m []byte) { got = append(got, m) })

	msg := make([]byte, 20)
	msg[0] = 1
	msg[1], msg[2], msg[3] = 0, 0, 20

	f.ProcessData(msg[:10])
	f.ProcessData(msg[10:])

	if len(got) != 1 || len(got[0]) != 20 {
		t.Fatalf("expected one 20-byte message, got %v", got)
	}
}

func TestDiameterFramerAbandonsOnBadLength(t *testing.T) {
	f := NewDiameterFramer(func(m []byte) {})
	msg := []byte{1, 0, 0, 5} // length 5 < minimum 20
	f.ProcessData(msg)
	if f.buf != nil {
		t.Fatalf("expected buffer abandoned on invalid length field")
	}
}
