// Package reassembly implements the Transport Reassembler (component A):
// TCP stream reassembly with ordering, retransmit detection, and teardown.
package reassembly

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// FiveTuple identifies one TCP connection. Equality is bidirectional:
// Reassembler canonicalises orientation at connection establishment so a
// packet seen in either direction resolves to the same Stream.
type FiveTuple struct {
	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	IPProto  string
}

func (t FiveTuple) reversed() FiveTuple {
	return FiveTuple{SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort, IPProto: t.IPProto}
}

// lower reports whether t's (ip, port) pair sorts before o's, used to pick
// the canonical "client" side at connection birth.
func (t FiveTuple) lower(o FiveTuple) bool {
	if t.SrcIP != o.SrcIP {
		return t.SrcIP < o.SrcIP
	}
	return t.SrcPort < o.SrcPort
}

type streamKey struct {
	ipA, ipB     string
	portA, portB int
	proto        string
}

func canonicalKey(t FiveTuple) streamKey {
	client, server := t, t.reversed()
	if !client.lower(server) {
		client, server = server, client
	}
	return streamKey{ipA: client.SrcIP, portA: client.SrcPort, ipB: client.DstIP, portB: client.DstPort, proto: client.IPProto}
}

// Direction identifies which side of a connection a delivery came from.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

// Flags is the subset of TCP control bits the reassembler acts on.
type Flags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// Segment is one observed TCP segment.
type Segment struct {
	Seq       uint32
	Ack       uint32
	Flags     Flags
	Payload   []byte
	Timestamp time.Time
}

// State is the TCP connection state machine (RFC 793), tracked per stream.
type State int

const (
	StateClosed State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

// DataCallback is invoked once per delivery of in-order bytes.
type DataCallback func(tuple FiveTuple, dir Direction, data []byte, ts time.Time)

// CloseCallback is invoked once a stream is fully torn down (RST or FIN/FIN).
type CloseCallback func(tuple FiveTuple)

type oooChunk struct {
	seq     uint32
	payload []byte
}

type dirState struct {
	nextExpectedSeq uint32
	haveISN         bool
	ooo             []oooChunk
	bufferedBytes   int
	bytesDelivered  uint64
	retransmits     uint64
	outOfOrder      uint64
}

// Stream holds the reassembly state for one five-tuple.
type Stream struct {
	tuple    FiveTuple // canonical orientation, client -> server
	state    State
	c2s      dirState
	s2c      dirState
	lastSeen time.Time
	mu       sync.Mutex
}

// Config bounds the reassembler's memory use (§6).
type Config struct {
	MaxStreams         int
	MaxBufferPerStream int
}

// Reassembler drives the per-stream state machine for every observed segment.
type Reassembler struct {
	cfg     Config
	onData  DataCallback
	onClose CloseCallback

	mu       sync.Mutex
	streams  map[streamKey]*Stream
	dropped  uint64 // new streams rejected at capacity
	truncated uint64 // bytes discarded to respect per-stream buffer budget
}

// New creates a Reassembler. onData and onClose must not be nil.
func New(cfg Config, onData DataCallback, onClose CloseCallback) *Reassembler {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 100000
	}
	if cfg.MaxBufferPerStream <= 0 {
		cfg.MaxBufferPerStream = 1 << 20
	}
	return &Reassembler{
		cfg:     cfg,
		onData:  onData,
		onClose: onClose,
		streams: make(map[streamKey]*Stream),
	}
}

// StreamCount returns the number of live streams.
func (r *Reassembler) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// DroppedStreams returns how many new streams were rejected at capacity.
func (r *Reassembler) DroppedStreams() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// ProcessPacket drives the per-stream state machine for one segment and
// delivers in-order bytes via the registered callback.
func (r *Reassembler) ProcessPacket(tuple FiveTuple, seg Segment) {
	key := canonicalKey(tuple)

	r.mu.Lock()
	st, ok := r.streams[key]
	if !ok {
		if len(r.streams) >= r.cfg.MaxStreams {
			r.dropped++
			r.mu.Unlock()
			return
		}
		canon := tuple
		if !tuple.lower(tuple.reversed()) {
			canon = tuple.reversed()
		}
		st = &Stream{tuple: canon, state: StateClosed}
		r.streams[key] = st
	}
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeen = seg.Timestamp

	dir := ClientToServer
	if tuple != st.tuple {
		dir = ServerToClient
	}

	r.applyStateMachine(st, dir, seg)

	if seg.Flags.RST {
		r.closeStream(key, st)
		return
	}

	ds := st.directionState(dir)
	r.admit(st, ds, dir, seg)

	if seg.Flags.FIN {
		r.advanceOnFin(st, dir)
		if st.state == StateClosed {
			r.closeStream(key, st)
		}
	}
}

func (s *Stream) directionState(dir Direction) *dirState {
	if dir == ClientToServer {
		return &s.c2s
	}
	return &s.s2c
}

// applyStateMachine advances the RFC 793 connection state from flag
// combinations. A mid-stream pickup with no SYN observed starts directly in
// ESTABLISHED with next_expected_seq anchored to the first observed segment.
func (r *Reassembler) applyStateMachine(st *Stream, dir Direction, seg Segment) {
	ds := st.directionState(dir)

	switch {
	case seg.Flags.SYN && seg.Flags.ACK:
		ds.nextExpectedSeq = seg.Seq + 1
		ds.haveISN = true
		if st.state == StateSynSent {
			st.state = StateSynReceived
		}
	case seg.Flags.SYN:
		ds.nextExpectedSeq = seg.Seq + 1
		ds.haveISN = true
		if st.state == StateClosed {
			st.state = StateSynSent
		}
	case seg.Flags.ACK && st.state == StateSynReceived:
		st.state = StateEstablished
	}

	if !ds.haveISN {
		// Mid-stream pickup: no SYN ever seen for this direction.
		ds.nextExpectedSeq = seg.Seq
		ds.haveISN = true
		if st.state == StateClosed {
			st.state = StateEstablished
		}
	}
}

func (r *Reassembler) advanceOnFin(st *Stream, dir Direction) {
	switch st.state {
	case StateEstablished:
		if dir == ClientToServer {
			st.state = StateFinWait1
		} else {
			st.state = StateCloseWait
		}
	case StateFinWait1, StateFinWait2:
		if dir == ServerToClient {
			st.state = StateClosed
		}
	case StateCloseWait:
		if dir == ClientToServer {
			st.state = StateClosed
		}
	case StateLastAck, StateClosing:
		st.state = StateClosed
	}
}

// admit classifies seg against next_expected_seq using signed 32-bit
// difference semantics and drives delivery/out-of-order/retransmit handling.
func (r *Reassembler) admit(st *Stream, ds *dirState, dir Direction, seg Segment) {
	if len(seg.Payload) == 0 {
		return
	}

	payload := seg.Payload
	seq := seg.Seq
	if seg.Flags.SYN {
		// TCP Fast Open: SYN already advanced ISN by 1; data starts there.
		seq = seg.Seq + 1
	}

	diff := int32(seq - ds.nextExpectedSeq)
	segEnd := seq + uint32(len(payload))
	endDiff := int32(segEnd - ds.nextExpectedSeq)

	switch {
	case diff == 0:
		r.deliver(st, ds, dir, payload, seg.Timestamp)
		r.drainOOO(st, ds, dir, seg.Timestamp)

	case diff > 0:
		if ds.bufferedBytes+len(payload) > r.cfg.MaxBufferPerStream {
			r.mu.Lock()
			r.truncated++
			r.mu.Unlock()
			return
		}
		ds.ooo = append(ds.ooo, oooChunk{seq: seq, payload: payload})
		ds.bufferedBytes += len(payload)
		ds.outOfOrder++
		sort.Slice(ds.ooo, func(i, j int) bool { return ds.ooo[i].seq < ds.ooo[j].seq })

	case endDiff <= 0:
		ds.retransmits++

	default:
		trim := ds.nextExpectedSeq - seq
		if int(trim) < len(payload) {
			r.deliver(st, ds, dir, payload[trim:], seg.Timestamp)
			r.drainOOO(st, ds, dir, seg.Timestamp)
		}
	}
}

func (r *Reassembler) deliver(st *Stream, ds *dirState, dir Direction, payload []byte, ts time.Time) {
	ds.nextExpectedSeq += uint32(len(payload))
	ds.bytesDelivered += uint64(len(payload))
	if r.onData != nil {
		r.onData(st.tuple, dir, payload, ts)
	}
}

func (r *Reassembler) drainOOO(st *Stream, ds *dirState, dir Direction, ts time.Time) {
	for {
		progressed := false
		for i := 0; i < len(ds.ooo); i++ {
			c := ds.ooo[i]
			diff := int32(c.seq - ds.nextExpectedSeq)
			if diff == 0 {
				ds.bufferedBytes -= len(c.payload)
				ds.ooo = append(ds.ooo[:i], ds.ooo[i+1:]...)
				r.deliver(st, ds, dir, c.payload, ts)
				progressed = true
				break
			}
			if diff < 0 {
				end := int32(c.seq+uint32(len(c.payload))) - int32(ds.nextExpectedSeq)
				if end > 0 {
					trim := ds.nextExpectedSeq - c.seq
					rest := c.payload[trim:]
					ds.bufferedBytes -= len(c.payload)
					ds.ooo = append(ds.ooo[:i], ds.ooo[i+1:]...)
					r.deliver(st, ds, dir, rest, ts)
					progressed = true
					break
				}
				ds.bufferedBytes -= len(c.payload)
				ds.ooo = append(ds.ooo[:i], ds.ooo[i+1:]...)
				progressed = true
				break
			}
		}
		if !progressed {
			return
		}
	}
}

func (r *Reassembler) closeStream(key streamKey, st *Stream) {
	r.mu.Lock()
	delete(r.streams, key)
	r.mu.Unlock()
	if r.onClose != nil {
		r.onClose(st.tuple)
	}
}

// CleanupStale closes and removes streams whose last-seen precedes
// now - timeout, returning the count removed.
func (r *Reassembler) CleanupStale(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	var stale []struct {
		key streamKey
		st  *Stream
	}
	for k, st := range r.streams {
		st.mu.Lock()
		last := st.lastSeen
		st.mu.Unlock()
		if now.Sub(last) >= timeout {
			stale = append(stale, struct {
				key streamKey
				st  *Stream
			}{k, st})
		}
	}
	for _, s := range stale {
		delete(r.streams, s.key)
	}
	r.mu.Unlock()

	for _, s := range stale {
		if r.onClose != nil {
			r.onClose(s.st.tuple)
		}
	}
	return len(stale)
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s:%d-%s:%d/%s", t.SrcIP, t.SrcPort, t.DstIP, t.DstPort, t.IPProto)
}
