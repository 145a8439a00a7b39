// Package diameter implements the DIAMETER Correlator (component H):
// Session-Id sessions, interface detection from Application-Id, and
// Hop-by-Hop-Id request/answer pairing.
package diameter

import (
	"sync"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	decode "github.com/telecorr/engine/pkg/proto/diameter"
)

// Interface is the DIAMETER application family a session belongs to.
type Interface string

const (
	InterfaceBase    Interface = "BASE"
	InterfaceCx      Interface = "CX"
	InterfaceSh      Interface = "SH"
	InterfaceS6a     Interface = "S6A"
	InterfaceGx      Interface = "GX"
	InterfaceRx      Interface = "RX"
	InterfaceGy      Interface = "GY"
	InterfaceUnknown Interface = "UNKNOWN"
)

func interfaceFromAppID(appID uint32) Interface {
	switch appID {
	case decode.AppCreditControl:
		return InterfaceGy
	case decode.AppCx:
		return InterfaceCx
	case decode.AppSh:
		return InterfaceSh
	case decode.AppRx:
		return InterfaceRx
	case decode.AppGx:
		return InterfaceGx
	case decode.AppS6a:
		return InterfaceS6a
	default:
		return InterfaceUnknown
	}
}

// Exchange pairs one request with its answer by Hop-by-Hop-Id.
type Exchange struct {
	HopByHopID uint32
	Request    *proto.Message
	Answer     *proto.Message
}

// Session is keyed by Session-Id.
type Session struct {
	SessionID     string
	Interface     Interface
	Messages      []*proto.Message
	Exchanges     map[uint32]*Exchange
	IMSI          string
	MSISDN        string
	FramedIP      string
	APN           string
	RATType       string
	PublicID      string
	ICID          string
	CCRequestType uint32
	QCI           uint32
	ChargingRules []string
	AFApplicationID string
	ResultCodes   []int
	HasErrors     bool
	LastSeen      time.Time
}

func newSession(id string) *Session {
	return &Session{SessionID: id, Exchanges: make(map[uint32]*Exchange)}
}

// Correlator is a single shared instance behind one coarse-grained mutex.
type Correlator struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns an empty DIAMETER correlator.
func New() *Correlator {
	return &Correlator{sessions: make(map[string]*Session)}
}

// Process ingests one decoded DIAMETER message.
func (c *Correlator) Process(msg *proto.Message) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[msg.SessionID]
	if !ok {
		sess = newSession(msg.SessionID)
		appID, _ := msg.Details["application_id"].(uint32)
		sess.Interface = interfaceFromAppID(appID)
		c.sessions[msg.SessionID] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	sess.LastSeen = msg.Timestamp

	hopByHop, _ := msg.Details["hop_by_hop_id"].(uint32)
	exch, ok := sess.Exchanges[hopByHop]
	if !ok {
		exch = &Exchange{HopByHopID: hopByHop}
		sess.Exchanges[hopByHop] = exch
	}
	if msg.Direction == proto.DirectionRequest {
		exch.Request = msg
	} else {
		exch.Answer = msg
		sess.ResultCodes = append(sess.ResultCodes, msg.CauseCode)
		if msg.CauseCode < 2000 || msg.CauseCode > 2999 {
			sess.HasErrors = true
		}
	}

	updateIdentityFields(sess, msg)

	return sess
}

func updateIdentityFields(sess *Session, msg *proto.Message) {
	if sess.IMSI == "" && msg.IMSI != "" {
		sess.IMSI = msg.IMSI
	}
	if sess.MSISDN == "" && msg.MSISDN != "" {
		sess.MSISDN = msg.MSISDN
	}
	if sess.FramedIP == "" {
		if fip, ok := msg.Details["framed_ip"].(string); ok && fip != "" {
			sess.FramedIP = fip
		}
	}
	if sess.APN == "" && msg.APN != "" {
		sess.APN = msg.APN
	}
	if sess.ICID == "" && msg.ICID != "" {
		sess.ICID = msg.ICID
	}
	if sess.RATType == "" {
		if rat, ok := msg.Details["rat_type"].(uint32); ok {
			sess.RATType = itoa(rat)
		}
	}
	if sess.PublicID == "" {
		if pub, ok := msg.Details["public_identity"].(string); ok && pub != "" {
			sess.PublicID = pub
		}
	}
	if af, ok := msg.Details["af_application_id"].(string); ok && af != "" {
		sess.AFApplicationID = af
	}
	if crt, ok := msg.Details["cc_request_type"].(uint32); ok {
		sess.CCRequestType = crt
	}
	if qci, ok := msg.Details["qci"].(uint32); ok {
		sess.QCI = qci
	}
	if rules, ok := msg.Details["charging_rule_names"].([]string); ok {
		sess.ChargingRules = rules
	}
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// Get returns the session for a Session-Id, if any.
func (c *Correlator) Get(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
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

// CleanupStale removes sessions whose last message predates cutoff.
func (c *Correlator) CleanupStale(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, s := range c.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}
