package reassembly

import (
	"testing"
	"time"
)

func testTuple() FiveTuple {
	return FiveTuple{SrcIP: "10.0.0.1", SrcPort: 5000, DstIP: "10.0.0.2", DstPort: 80, IPProto: "tcp"}
}

func TestRetransmissionIdempotence(t *testing.T) {
	var delivered []byte
	var callbacks int
	r := New(Config{}, func(tuple FiveTuple, dir Direction, data []byte, ts time.Time) {
		delivered = append(delivered, data...)
		callbacks++
	}, nil)

	tuple := testTuple()
	now := time.Now()
	seg := Segment{Seq: 1001, Payload: []byte("HELLO"), Timestamp: now}

	for i := 0; i < 5; i++ {
		r.ProcessPacket(tuple, seg)
	}

	if callbacks != 1 {
		t.Fatalf("expected 1 callback, got %d", callbacks)
	}
	if string(delivered) != "HELLO" {
		t.Fatalf("expected HELLO, got %q", delivered)
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	var delivered []byte
	r := New(Config{}, func(tuple FiveTuple, dir Direction, data []byte, ts time.Time) {
		delivered = append(delivered, data...)
	}, nil)

	tuple := testTuple()
	now := time.Now()

	a := Segment{Seq: 1001, Payload: []byte("AAA"), Timestamp: now}
	c := Segment{Seq: 1007, Payload: []byte("CCC"), Timestamp: now}
	b := Segment{Seq: 1004, Payload: []byte("BBB"), Timestamp: now}

	r.ProcessPacket(tuple, a)
	r.ProcessPacket(tuple, c)
	r.ProcessPacket(tuple, b)

	if string(delivered) != "AAABBBCCC" {
		t.Fatalf("expected AAABBBCCC, got %q", delivered)
	}
}

func TestReassemblyPurityNoDuplicateRegions(t *testing.T) {
	var delivered []byte
	r := New(Config{}, func(tuple FiveTuple, dir Direction, data []byte, ts time.Time) {
		delivered = append(delivered, data...)
	}, nil)

	tuple := testTuple()
	now := time.Now()

	r.ProcessPacket(tuple, Segment{Seq: 1001, Payload: []byte("AAAAA"), Timestamp: now})
	// overlapping segment: seq 1004 overlaps the tail of the prior one by 2 bytes
	r.ProcessPacket(tuple, Segment{Seq: 1004, Payload: []byte("AABBB"), Timestamp: now})

	if string(delivered) != "AAAAABBB" {
		t.Fatalf("expected overlap trimmed to AAAAABBB, got %q", delivered)
	}
}

func TestMidStreamPickupStartsEstablished(t *testing.T) {
	var delivered []byte
	r := New(Config{}, func(tuple FiveTuple, dir Direction, data []byte, ts time.Time) {
		delivered = append(delivered, data...)
	}, nil)

	tuple := testTuple()
	r.ProcessPacket(tuple, Segment{Seq: 5000, Payload: []byte("DATA"), Timestamp: time.Now()})

	if string(delivered) != "DATA" {
		t.Fatalf("expected DATA delivered on first observed segment, got %q", delivered)
	}
}

func TestRSTClosesStream(t *testing.T) {
	var closed bool
	r := New(Config{}, func(FiveTuple, Direction, []byte, time.Time) {}, func(FiveTuple) {
		closed = true
	})

	tuple := testTuple()
	r.ProcessPacket(tuple, Segment{Seq: 1, Payload: []byte("x"), Timestamp: time.Now()})
	if r.StreamCount() != 1 {
		t.Fatalf("expected 1 live stream before RST")
	}
	r.ProcessPacket(tuple, Segment{Seq: 2, Flags: Flags{RST: true}, Timestamp: time.Now()})
	if !closed {
		t.Fatalf("expected close callback on RST")
	}
	if r.StreamCount() != 0 {
		t.Fatalf("expected stream removed after RST")
	}
}

func TestCleanupStaleRemovesIdleStreams(t *testing.T) {
	r := New(Config{}, func(FiveTuple, Direction, []byte, time.Time) {}, nil)

	tuple := testTuple()
	base := time.Now()
	r.ProcessPacket(tuple, Segment{Seq: 1, Payload: []byte("x"), Timestamp: base})

	removed := r.CleanupStale(base.Add(400*time.Second), 300*time.Second)
	if removed != 1 {
		t.Fatalf("expected 1 stream cleaned up, got %d", removed)
	}
	if r.StreamCount() != 0 {
		t.Fatalf("expected no streams remaining")
	}
}

func TestMaxStreamsDropsNewStreamsNotLive(t *testing.T) {
	r := New(Config{MaxStreams: 1}, func(FiveTuple, Direction, []byte, time.Time) {}, nil)

	first := testTuple()
	r.ProcessPacket(first, Segment{Seq: 1, Payload: []byte("a"), Timestamp: time.Now()})

	second := FiveTuple{SrcIP: "10.0.0.9", SrcPort: 6000, DstIP: "10.0.0.10", DstPort: 81, IPProto: "tcp"}
	r.ProcessPacket(second, Segment{Seq: 1, Payload: []byte("b"), Timestamp: time.Now()})

	if r.StreamCount() != 1 {
		t.Fatalf("expected the live stream to survive, got %d streams", r.StreamCount())
	}
	if r.DroppedStreams() != 1 {
		t.Fatalf("expected 1 dropped stream, got %d", r.DroppedStreams())
	}
}
