// Package gtpv2 implements the GTPv2 Correlator (component G): sessions
// keyed by control-TEID for every message, including Create-Session (the
// creating message's sequence number is stored on the session but is not
// part of the key), bearer lifecycle tracking, and the F-TEID index used for
// GTP-U downlink/uplink resolution.
package gtpv2

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	decode "github.com/telecorr/engine/pkg/proto/gtpv2"
)

// PDNClass is derived from the APN.
type PDNClass string

const (
	PDNIMS       PDNClass = "IMS"
	PDNInternet  PDNClass = "INTERNET"
	PDNEmergency PDNClass = "EMERGENCY"
	PDNMMS       PDNClass = "MMS"
	PDNOther     PDNClass = "OTHER"
)

// SessionState is the session-level lifecycle (§4.G).
type SessionState string

const (
	StateCreating  SessionState = "CREATING"
	StateActive    SessionState = "ACTIVE"
	StateModifying SessionState = "MODIFYING"
	StateDeleting  SessionState = "DELETING"
	StateDeleted   SessionState = "DELETED"
)

// BearerType distinguishes the default bearer from dedicated ones.
type BearerType string

const (
	BearerDefault   BearerType = "DEFAULT"
	BearerDedicated BearerType = "DEDICATED"
)

// successCauses are the Create-Session-Response cause values that advance a
// session to ACTIVE.
var successCauses = map[int]bool{16: true, 17: true, 18: true, 19: true}

// Bearer is one EPS bearer within a session.
type Bearer struct {
	EBI           uint8
	LinkedBearer  uint8
	Type          BearerType
	QCI           uint8
	MBRUplink     uint64
	MBRDownlink   uint64
	GBRUplink     uint64
	GBRDownlink   uint64
	FTEIDs        []decode.FTEID
	State         SessionState
	StartFrame    uint64
	EndFrame      uint64
}

// Session is keyed by control-TEID after creation.
type Session struct {
	TEID        uint32
	Sequence    uint32
	Messages    []*proto.Message
	Bearers     map[uint8]*Bearer // by EBI
	FTEIDSet    []decode.FTEID
	IMSI        string
	MSISDN      string
	MEI         string
	APN         string
	PDNClass    PDNClass
	PAA         string
	RATType     string
	ServingNet  string
	State       SessionState
	StartFrame  uint64
	EndFrame    uint64
	LastSeen    time.Time
}

func newSession(teid, seq uint32) *Session {
	return &Session{TEID: teid, Sequence: seq, Bearers: make(map[uint8]*Bearer), State: StateCreating}
}

// Correlator is a single shared instance behind one coarse-grained mutex.
type Correlator struct {
	mu          sync.Mutex
	sessions    map[uint32]*Session // by control-TEID
	fteidIndex  map[string]*Session // "ip:teid" -> session
}

// New returns an empty GTPv2 correlator.
func New() *Correlator {
	return &Correlator{
		sessions:   make(map[uint32]*Session),
		fteidIndex: make(map[string]*Session),
	}
}

// Process ingests one decoded GTPv2-C message.
func (c *Correlator) Process(msg *proto.Message) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgType := msg.MessageType

	var sess *Session
	if msgType == fmt.Sprintf("%d", decode.MsgCreateSessionRequest) || msgType == fmt.Sprintf("%d", decode.MsgCreateSessionResponse) {
		sess = c.sessions[msg.TEID]
		if sess == nil {
			sess = newSession(msg.TEID, msg.SequenceNum)
			sess.StartFrame = msg.FrameNumber
			c.sessions[msg.TEID] = sess
		}
	} else {
		sess = c.sessions[msg.TEID]
		if sess == nil {
			// A stray response for an unknown TEID creates a salvage session
			// so the message is never silently dropped.
			sess = newSession(msg.TEID, msg.SequenceNum)
			sess.StartFrame = msg.FrameNumber
			c.sessions[msg.TEID] = sess
		}
	}

	sess.Messages = append(sess.Messages, msg)
	sess.EndFrame = msg.FrameNumber
	sess.LastSeen = msg.Timestamp

	c.updateSubscriberFields(sess, msg)
	c.updateBearers(sess, msg)
	c.advanceState(sess, msg)

	return sess
}

func (c *Correlator) updateSubscriberFields(sess *Session, msg *proto.Message) {
	if sess.IMSI == "" && msg.IMSI != "" {
		sess.IMSI = msg.IMSI
	}
	if sess.MSISDN == "" && msg.MSISDN != "" {
		sess.MSISDN = msg.MSISDN
	}
	if sess.MEI == "" {
		if mei, ok := msg.Details["mei"].(string); ok && mei != "" {
			sess.MEI = mei
		}
	}
	if sess.APN == "" && msg.APN != "" {
		sess.APN = msg.APN
		sess.PDNClass = classifyPDN(msg.APN)
	}
	if sess.PAA == "" {
		if paa, ok := msg.Details["paa"].(string); ok && paa != "" {
			sess.PAA = paa
		}
	}
	if sess.RATType == "" {
		if rat, ok := msg.Details["rat_type"].(string); ok && rat != "" {
			sess.RATType = rat
		}
	}
	if sess.ServingNet == "" {
		if sn, ok := msg.Details["serving_network"].(string); ok && sn != "" {
			sess.ServingNet = sn
		}
	}
}

func classifyPDN(apn string) PDNClass {
	lower := strings.ToLower(apn)
	switch {
	case strings.Contains(lower, "emergency"), strings.Contains(lower, "sos"):
		return PDNEmergency
	case strings.Contains(lower, "ims"):
		return PDNIMS
	case strings.Contains(lower, "mms"):
		return PDNMMS
	case strings.Contains(lower, "internet"), strings.Contains(lower, "default"):
		return PDNInternet
	default:
		return PDNOther
	}
}

func (c *Correlator) updateBearers(sess *Session, msg *proto.Message) {
	ies, _ := msg.Details["ies"].([]decode.IE)
	for _, ie := range ies {
		if ie.Type != 93 { // Bearer-Context
			continue
		}
		var ebi uint8
		for _, nested := range ie.Nested {
			if nested.Type == 73 && len(nested.Value) >= 1 { // EBI
				ebi = nested.Value[0]
			}
		}
		if ebi == 0 {
			continue
		}
		bearer, ok := sess.Bearers[ebi]
		if !ok {
			bearer = &Bearer{EBI: ebi, State: StateCreating, StartFrame: msg.FrameNumber}
			sess.Bearers[ebi] = bearer
		}
		bearer.EndFrame = msg.FrameNumber
		for _, nested := range ie.Nested {
			if nested.Type == 87 { // F-TEID
				if f, err := decode.DecodeFTEID(nested.Value); err == nil {
					bearer.FTEIDs = append(bearer.FTEIDs, f)
					c.registerFTEID(f, sess)
				}
			}
		}
	}

	if fteids, ok := msg.Details["fteids"].([]decode.FTEID); ok {
		for _, f := range fteids {
			sess.FTEIDSet = append(sess.FTEIDSet, f)
			c.registerFTEID(f, sess)
		}
	}
}

func (c *Correlator) registerFTEID(f decode.FTEID, sess *Session) {
	if f.IPv4 != "" {
		c.fteidIndex[fteidKey(f.IPv4, f.TEID)] = sess
	}
	if f.IPv6 != "" {
		c.fteidIndex[fteidKey(f.IPv6, f.TEID)] = sess
	}
}

func fteidKey(ip string, teid uint32) string {
	return fmt.Sprintf("%s:%d", ip, teid)
}

func (c *Correlator) advanceState(sess *Session, msg *proto.Message) {
	t := msg.MessageType
	switch t {
	case fmt.Sprintf("%d", decode.MsgCreateSessionRequest):
		sess.State = StateCreating
	case fmt.Sprintf("%d", decode.MsgCreateSessionResponse):
		if successCauses[msg.CauseCode] {
			sess.State = StateActive
		}
	case fmt.Sprintf("%d", decode.MsgModifyBearerRequest), fmt.Sprintf("%d", decode.MsgUpdateBearerRequest):
		sess.State = StateModifying
	case fmt.Sprintf("%d", decode.MsgModifyBearerResponse), fmt.Sprintf("%d", decode.MsgUpdateBearerResponse):
		if successCauses[msg.CauseCode] {
			sess.State = StateActive
		}
	case fmt.Sprintf("%d", decode.MsgDeleteSessionRequest):
		sess.State = StateDeleting
	case fmt.Sprintf("%d", decode.MsgDeleteSessionResponse):
		sess.State = StateDeleted
	}
}

// FindByControlTEID looks up a session by its control-plane TEID.
func (c *Correlator) FindByControlTEID(teid uint32) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[teid]
	return s, ok
}

// FindByFTEID resolves a GTP-U packet by trying dst-IP then src-IP, per §4.G.
func (c *Correlator) FindByFTEID(srcIP, dstIP string, teid uint32) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.fteidIndex[fteidKey(dstIP, teid)]; ok {
		return s, true
	}
	if s, ok := c.fteidIndex[fteidKey(srcIP, teid)]; ok {
		return s, true
	}
	return nil, false
}

// Finalize determines the default bearer (smallest EBI) and marks every
// other bearer DEDICATED with its linked-bearer-id set to the default's EBI.
func (c *Correlator) Finalize(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sess.Bearers) == 0 {
		return
	}
	var defaultEBI uint8
	for ebi := range sess.Bearers {
		if defaultEBI == 0 || ebi < defaultEBI {
			defaultEBI = ebi
		}
	}
	sess.Bearers[defaultEBI].Type = BearerDefault
	for ebi, b := range sess.Bearers {
		if ebi == defaultEBI {
			continue
		}
		b.Type = BearerDedicated
		b.LinkedBearer = defaultEBI
	}
}

// CleanupStale removes sessions whose last message predates cutoff.
func (c *Correlator) CleanupStale(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for teid, s := range c.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(c.sessions, teid)
			removed++
		}
	}
	return removed
}

// Sessions returns every tracked session (for export accessors).
func (c *Correlator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}
