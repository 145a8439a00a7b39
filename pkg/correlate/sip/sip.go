// Package sip implements the SIP Correlator (component F): Call-ID sessions,
// dialogs keyed by (Call-ID, from-tag, to-tag) with fork detection, and
// branch+CSeq transactions driven by the RFC 3261 state machine.
package sip

import (
	"strings"
	"sync"
	"time"

	"github.com/telecorr/engine/pkg/proto"
	sipdecode "github.com/telecorr/engine/pkg/proto/sip"
)

// SessionType classifies a finalised SIP session.
type SessionType string

const (
	TypeRegistration    SessionType = "REGISTRATION"
	TypeDeregistration  SessionType = "DEREGISTRATION"
	TypeVoiceCall       SessionType = "VOICE_CALL"
	TypeVideoCall       SessionType = "VIDEO_CALL"
	TypeEmergencyCall   SessionType = "EMERGENCY_CALL"
	TypeSMSMessage      SessionType = "SMS_MESSAGE"
	TypeSubscribeNotify SessionType = "SUBSCRIBE_NOTIFY"
	TypeOptions         SessionType = "OPTIONS"
	TypeRefer           SessionType = "REFER"
	TypeInfo            SessionType = "INFO"
	TypeUnknown         SessionType = "UNKNOWN"
)

// DialogState is the RFC 3261 dialog lifecycle.
type DialogState string

const (
	DialogInit       DialogState = "INIT"
	DialogCalling    DialogState = "CALLING"
	DialogProceeding DialogState = "PROCEEDING"
	DialogEarly      DialogState = "EARLY"
	DialogConfirmed  DialogState = "CONFIRMED"
	DialogTerminated DialogState = "TERMINATED"
)

// TransactionState is the RFC 3261 client/server transaction state machine
// (the INVITE variant, which adds CONFIRMED).
type TransactionState string

const (
	TxTrying     TransactionState = "TRYING"
	TxProceeding TransactionState = "PROCEEDING"
	TxCompleted  TransactionState = "COMPLETED"
	TxConfirmed  TransactionState = "CONFIRMED"
)

// Transaction holds one request and its responses, keyed by top Via branch
// plus CSeq method.
type Transaction struct {
	Branch       string
	Method       string
	Request      *proto.Message
	Responses    []*proto.Message
	State        TransactionState
	FinalStatus  int
}

// Dialog is keyed by (Call-ID, from-tag, to-tag); its ID is reindexed once
// the to-tag becomes known.
type Dialog struct {
	ID            string
	FromTag       string
	ToTag         string
	State         DialogState
	Transactions  map[string]*Transaction // branch|method -> transaction
	ForkedDialogs []string
}

// Session is keyed by Call-ID.
type Session struct {
	CallID      string
	Messages    []*proto.Message
	Dialogs     map[string]*Dialog // keyed by from-tag until a response carries a to-tag, then from-tag|to-tag
	Type        SessionType
	Caller      string
	Callee      string
	UEIPs       map[string]bool
	StartTime   time.Time
	EndTime     time.Time
	StartFrame  uint64
	EndFrame    uint64
	HasErrors   bool
}

func newSession(callID string) *Session {
	return &Session{
		CallID:  callID,
		Dialogs: make(map[string]*Dialog),
		UEIPs:   make(map[string]bool),
		Type:    TypeUnknown,
	}
}

// Correlator is a single shared instance protected by one coarse-grained
// mutex, per §5's per-correlator locking policy.
type Correlator struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns an empty SIP correlator.
func New() *Correlator {
	return &Correlator{sessions: make(map[string]*Session)}
}

// Process ingests one decoded SIP message and returns the session it landed
// in. msg.Details must carry the from_tag/to_tag/cseq_method/vias keys the
// sip decoder populates.
func (c *Correlator) Process(msg *proto.Message) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[msg.CallID]
	if !ok {
		sess = newSession(msg.CallID)
		sess.StartTime = msg.Timestamp
		sess.StartFrame = msg.FrameNumber
		c.sessions[msg.CallID] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	sess.EndTime = msg.Timestamp
	sess.EndFrame = msg.FrameNumber

	fromTag, _ := msg.Details["from_tag"].(string)
	toTag, _ := msg.Details["to_tag"].(string)
	cseqMethod, _ := msg.Details["cseq_method"].(string)
	branch := topBranch(msg)

	dlg := c.resolveDialog(sess, fromTag, toTag)
	c.applyTransaction(dlg, branch, cseqMethod, msg)
	c.applyDialogState(dlg, msg, cseqMethod)

	if msg.CauseCode >= 300 {
		sess.HasErrors = true
	}

	return sess
}

func topBranch(msg *proto.Message) string {
	vias, _ := msg.Details["vias"].([]sipdecode.Via)
	if len(vias) == 0 {
		return ""
	}
	return vias[0].Branch
}

// resolveDialog finds or creates the dialog for (from-tag, to-tag),
// promoting an early dialog's key once a to-tag arrives, and detecting forks
// when a second distinct to-tag appears for the same from-tag.
func (c *Correlator) resolveDialog(sess *Session, fromTag, toTag string) *Dialog {
	if toTag == "" {
		if dlg, ok := sess.Dialogs[fromTag]; ok {
			return dlg
		}
		dlg := &Dialog{FromTag: fromTag, State: DialogInit, Transactions: make(map[string]*Transaction)}
		dlg.ID = fromTag
		sess.Dialogs[fromTag] = dlg
		return dlg
	}

	fullKey := fromTag + "|" + toTag
	if dlg, ok := sess.Dialogs[fullKey]; ok {
		return dlg
	}

	if early, ok := sess.Dialogs[fromTag]; ok {
		// Promote: the first response carrying a to-tag reindexes the early
		// dialog rather than creating a new one.
		delete(sess.Dialogs, fromTag)
		early.ToTag = toTag
		early.ID = fullKey
		sess.Dialogs[fullKey] = early
		return early
	}

	// A distinct to-tag for a from-tag whose dialog already has a to-tag is a fork: create a
	// sibling dialog and cross-link both.
	dlg := &Dialog{FromTag: fromTag, ToTag: toTag, ID: fullKey, State: DialogInit, Transactions: make(map[string]*Transaction)}
	sess.Dialogs[fullKey] = dlg
	for key, other := range sess.Dialogs {
		if key == fullKey || !strings.HasPrefix(key, fromTag) {
			continue
		}
		other.ForkedDialogs = append(other.ForkedDialogs, dlg.ID)
		dlg.ForkedDialogs = append(dlg.ForkedDialogs, other.ID)
	}
	return dlg
}

func (c *Correlator) applyTransaction(dlg *Dialog, branch, method string, msg *proto.Message) {
	key := branch + "|" + method
	tx, ok := dlg.Transactions[key]
	if !ok {
		tx = &Transaction{Branch: branch, Method: method, State: TxTrying}
		dlg.Transactions[key] = tx
	}
	if msg.Direction == proto.DirectionRequest {
		tx.Request = msg
		return
	}
	tx.Responses = append(tx.Responses, msg)
	status := msg.CauseCode
	switch {
	case status >= 100 && status < 200:
		tx.State = TxProceeding
	case status >= 200 && status < 300:
		if method == "INVITE" {
			tx.State = TxConfirmed
		} else {
			tx.State = TxCompleted
		}
		tx.FinalStatus = status
	case status >= 300:
		tx.State = TxCompleted
		tx.FinalStatus = status
	}
}

func (c *Correlator) applyDialogState(dlg *Dialog, msg *proto.Message, method string) {
	toTag, _ := msg.Details["to_tag"].(string)

	switch {
	case msg.Direction == proto.DirectionRequest && method == "INVITE":
		dlg.State = DialogCalling
	case msg.Direction == proto.DirectionResponse && msg.CauseCode >= 100 && msg.CauseCode < 200 && toTag == "":
		dlg.State = DialogProceeding
	case msg.Direction == proto.DirectionResponse && msg.CauseCode >= 100 && msg.CauseCode < 200 && toTag != "":
		dlg.State = DialogEarly
	case msg.Direction == proto.DirectionResponse && msg.CauseCode >= 200 && msg.CauseCode < 300 && method == "INVITE":
		dlg.State = DialogConfirmed
	case method == "BYE":
		dlg.State = DialogTerminated
	case method == "CANCEL":
		dlg.State = DialogTerminated
	case msg.Direction == proto.DirectionResponse && msg.CauseCode >= 300 && method == "INVITE":
		dlg.State = DialogTerminated
	}
}

// Finalize classifies the session's type and extracts caller/callee and UE
// IPs, intended to run once a session is known to be complete (BYE seen, or
// cleanup_completed sweeping it out).
func (c *Correlator) Finalize(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sess.Messages) == 0 {
		return
	}

	first := sess.Messages[0]
	sess.Type = classifyType(sess, first)

	caller, callee := extractParties(sess.Messages)
	emergency := sess.Type == TypeEmergencyCall
	sess.Caller = sipdecode.NormalizeMSISDN(caller, emergency)
	sess.Callee = sipdecode.NormalizeMSISDN(callee, emergency)

	for _, m := range sess.Messages {
		for ip := range uesFromMessage(m) {
			sess.UEIPs[ip] = true
		}
	}
}

func classifyType(sess *Session, first *proto.Message) SessionType {
	method, _ := first.Details["cseq_method"].(string)
	if method == "" {
		method = first.MessageType
	}

	switch method {
	case "REGISTER":
		if isDeregister(sess.Messages) {
			return TypeDeregistration
		}
		return TypeRegistration
	case "MESSAGE":
		return TypeSMSMessage
	case "SUBSCRIBE", "NOTIFY":
		return TypeSubscribeNotify
	case "OPTIONS":
		return TypeOptions
	case "REFER":
		return TypeRefer
	case "INFO":
		return TypeInfo
	case "INVITE":
		return classifyInvite(sess.Messages)
	}
	return TypeUnknown
}

func isDeregister(msgs []*proto.Message) bool {
	for _, m := range msgs {
		headers, _ := m.Details["headers"].(map[string][]string)
		if headers == nil {
			continue
		}
		for _, exp := range headers["expires"] {
			if strings.TrimSpace(exp) == "0" {
				return true
			}
		}
	}
	return false
}

func classifyInvite(msgs []*proto.Message) SessionType {
	for _, m := range msgs {
		ruri := requestURI(m)
		if strings.Contains(ruri, "urn:service:sos") {
			return TypeEmergencyCall
		}
		if sdp, ok := m.Details["sdp"].(*sipdecode.SDP); ok && sdp != nil {
			if sdp.HasVideo() {
				return TypeVideoCall
			}
			if len(sdp.Media) > 0 {
				return TypeVoiceCall
			}
		}
	}
	return TypeVoiceCall
}

func requestURI(m *proto.Message) string {
	uri, _ := m.Details["request_uri"].(string)
	if uri == "" {
		uri, _ = m.Details["to"].(string)
	}
	return uri
}

func extractParties(msgs []*proto.Message) (caller, callee string) {
	for _, m := range msgs {
		if caller == "" {
			if pai, ok := m.Details["p_asserted_identity"].(string); ok && pai != "" {
				caller = pai
			} else if ppi, ok := m.Details["p_preferred_identity"].(string); ok && ppi != "" {
				caller = ppi
			}
		}
	}
	if len(msgs) > 0 {
		if to, ok := msgs[0].Details["to"].(string); ok {
			callee = to
		}
	}
	if caller == "" && len(msgs) > 0 {
		if from, ok := msgs[0].Details["from"].(string); ok {
			caller = from
		}
	}
	return caller, callee
}

func uesFromMessage(m *proto.Message) map[string]bool {
	ips := make(map[string]bool)
	if contact, ok := m.Details["contact"].(string); ok && contact != "" {
		if ip := hostFromURI(contact); ip != "" {
			ips[ip] = true
		}
	}
	if sdp, ok := m.Details["sdp"].(*sipdecode.SDP); ok && sdp != nil {
		if sdp.SessionConnectionIP != "" {
			ips[sdp.SessionConnectionIP] = true
		}
		for _, media := range sdp.Media {
			if media.ConnectionIP != "" {
				ips[media.ConnectionIP] = true
			}
		}
	}
	return ips
}

func hostFromURI(uri string) string {
	start := strings.Index(uri, "@")
	if start < 0 {
		return ""
	}
	rest := uri[start+1:]
	if end := strings.IndexAny(rest, ">;:"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// Get returns the session for a Call-ID, if any.
func (c *Correlator) Get(callID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
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

// CleanupStale removes sessions whose last message predates cutoff, mirroring
// the retention sweep the other correlators expose.
func (c *Correlator) CleanupStale(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, s := range c.sessions {
		if s.EndTime.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}
