// Package volte implements the VoLTE Call Correlator (component J): it
// fuses one SIP dialog, one Rx session, one Gx session, one GTP bearer, and
// one RTP flow into a single VolteCall with computed timing metrics.
package volte

import (
	"math"
	"sync"
	"time"
)

// State is the VoLTE call lifecycle (§8 property 9: a DAG, FAILED/CANCELLED
// reachable from any pre-CONFIRMED state, terminal states never left).
type State string

const (
	StateInitiating  State = "INITIATING"
	StateTrying      State = "TRYING"
	StateRinging     State = "RINGING"
	StateAnswered    State = "ANSWERED"
	StateConfirmed   State = "CONFIRMED"
	StateMediaActive State = "MEDIA_ACTIVE"
	StateTerminating State = "TERMINATING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

func isTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SIPLeg is the SIP-side timing and media negotiation for one call.
type SIPLeg struct {
	InviteTime  time.Time
	TryingTime  time.Time
	RingingTime time.Time
	AnswerTime  time.Time
	ACKTime     time.Time
	ByeTime     time.Time
	Codec       string
	LocalRTP    string
	RemoteRTP   string
}

// RxLeg is the Rx (AF-to-PCRF) authorization leg.
type RxLeg struct {
	AARTime     time.Time
	AAATime     time.Time
	ResultCode  int
	MediaComponents []string
	SessionID   string
}

// GxLeg is the Gx (PCEF-to-PCRF) policy leg.
type GxLeg struct {
	RARTime       time.Time
	RAATime       time.Time
	ChargingRules []string
}

// BearerLeg is the dedicated VoLTE bearer (QCI 1) leg.
type BearerLeg struct {
	UplinkTEID   uint32
	DownlinkTEID uint32
	EBI          uint8
	QCI          uint8
	GBRUplink    uint64
	GBRDownlink  uint64
}

// DirectionStats are per-direction RTP counters.
type DirectionStats struct {
	Packets      uint64
	Bytes        uint64
	Loss         uint64
	Jitter       float64
	lastSeq      uint16
	haveLastSeq  bool
	lastArrival  time.Time
	lastTransitTime float64
}

// RTPLeg is the negotiated media leg.
type RTPLeg struct {
	SSRC       uint32
	LocalAddr  string
	RemoteAddr string
	Uplink     DirectionStats
	Downlink   DirectionStats
	FirstRTP   time.Time
	LastRTP    time.Time
	MOS        float64
}

// Metrics are the timing figures computed on every state transition.
type Metrics struct {
	SetupTime           time.Duration
	PostDialDelay       time.Duration
	AnswerDelay         time.Duration
	BearerSetupTime     time.Duration
	RxAuthorizationTime time.Duration
	TotalCallDuration   time.Duration
	MediaDuration       time.Duration
}

// Call is keyed by SIP Call-ID.
type Call struct {
	CallID       string
	ICID         string
	IMSI         string
	MSISDN       string
	CallingParty string
	CalledParty  string
	State        State
	StateReason  string

	SIP    *SIPLeg
	Rx     *RxLeg
	Gx     *GxLeg
	Bearer *BearerLeg
	RTP    *RTPLeg

	Metrics Metrics

	bearerRequestTime  time.Time
	bearerResponseTime time.Time

	LastUpdated time.Time
}

// Correlator holds every call plus its secondary indices, behind one
// coarse-grained mutex.
type Correlator struct {
	mu          sync.Mutex
	calls       map[string]*Call // by SIP Call-ID
	byICID      map[string]string
	byRxSession map[string]string
	byTEID      map[uint32]string
	byIMSI      map[string][]string
}

// New returns an empty VoLTE call correlator.
func New() *Correlator {
	return &Correlator{
		calls:       make(map[string]*Call),
		byICID:      make(map[string]string),
		byRxSession: make(map[string]string),
		byTEID:      make(map[uint32]string),
		byIMSI:      make(map[string][]string),
	}
}

func newCall(callID string) *Call {
	return &Call{CallID: callID, State: StateInitiating, LastUpdated: time.Now()}
}

// UpdateSIP folds one SIP message's effect into the call identified by
// callID, creating the call on first INVITE. For a request, method is the
// request method and statusCode is 0; for a response, method is the CSeq
// method and statusCode the response code.
func (c *Correlator) UpdateSIP(callID, icid, imsi string, method string, statusCode int, at time.Time, sdpCodec, localRTP, remoteRTP string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		if method != "INVITE" {
			return nil
		}
		call = newCall(callID)
		call.SIP = &SIPLeg{}
		c.calls[callID] = call
	}
	call.LastUpdated = at

	if icid != "" && call.ICID == "" {
		call.ICID = icid
		c.byICID[icid] = callID
	}
	if imsi != "" && call.IMSI == "" {
		call.IMSI = imsi
		c.byIMSI[imsi] = append(c.byIMSI[imsi], callID)
	}

	sip := call.SIP
	switch {
	case method == "INVITE" && statusCode == 0:
		sip.InviteTime = at
	case statusCode == 100:
		sip.TryingTime = at
		c.transition(call, StateTrying, "")
	case statusCode == 180:
		sip.RingingTime = at
		c.transition(call, StateRinging, "")
	case statusCode >= 200 && statusCode < 300 && method == "INVITE":
		sip.AnswerTime = at
		if sdpCodec != "" {
			sip.Codec = sdpCodec
		}
		if localRTP != "" {
			sip.LocalRTP = localRTP
		}
		if remoteRTP != "" {
			sip.RemoteRTP = remoteRTP
		}
		c.transition(call, StateAnswered, "")
	case method == "ACK":
		sip.ACKTime = at
		c.transition(call, StateConfirmed, "")
	case method == "BYE":
		sip.ByeTime = at
		c.transition(call, StateTerminating, "")
		c.transition(call, StateCompleted, "")
	case method == "CANCEL" && call.State != StateAnswered && call.State != StateConfirmed:
		c.transition(call, StateCancelled, "")
	case statusCode >= 300 && method == "INVITE":
		call.StateReason = statusReason(statusCode)
		c.transition(call, StateFailed, call.StateReason)
	}

	c.recomputeMetrics(call)
	return call
}

func statusReason(code int) string {
	reasons := map[int]string{
		486: "486 Busy Here",
		487: "487 Request Terminated",
		503: "503 Service Unavailable",
		404: "404 Not Found",
	}
	if r, ok := reasons[code]; ok {
		return r
	}
	return ""
}

// transition enforces §8 property 9: terminal states never leave, and
// FAILED/CANCELLED are reachable from any pre-CONFIRMED state.
func (c *Correlator) transition(call *Call, next State, reason string) {
	if isTerminal(call.State) {
		return
	}
	call.State = next
	if reason != "" {
		call.StateReason = reason
	}
}

// UpdateRx folds one DIAMETER Rx message into the call matched by ICID (if
// known) or by UE IP fallback performed by the caller.
func (c *Correlator) UpdateRx(callID string, sessionID string, isAAR bool, at time.Time, resultCode int, mediaComponents []string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return nil
	}
	if call.Rx == nil {
		call.Rx = &RxLeg{}
	}
	call.Rx.SessionID = sessionID
	if sessionID != "" {
		c.byRxSession[sessionID] = callID
	}
	if isAAR {
		call.Rx.AARTime = at
	} else {
		call.Rx.AAATime = at
		call.Rx.ResultCode = resultCode
	}
	if len(mediaComponents) > 0 {
		call.Rx.MediaComponents = mediaComponents
	}
	call.LastUpdated = at
	c.recomputeMetrics(call)
	return call
}

// UpdateGx folds one DIAMETER Gx message into the call.
func (c *Correlator) UpdateGx(callID string, isRAR bool, at time.Time, chargingRules []string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return nil
	}
	if call.Gx == nil {
		call.Gx = &GxLeg{}
	}
	if isRAR {
		call.Gx.RARTime = at
	} else {
		call.Gx.RAATime = at
	}
	if len(chargingRules) > 0 {
		call.Gx.ChargingRules = chargingRules
	}
	call.LastUpdated = at
	c.recomputeMetrics(call)
	return call
}

// UpdateBearer folds one GTP bearer create/update into the call matched by
// IMSI+QCI (QCI 1 is the VoLTE voice bearer).
func (c *Correlator) UpdateBearer(imsi string, qci uint8, ebi uint8, uplinkTEID, downlinkTEID uint32, gbrUL, gbrDL uint64, isRequest bool, at time.Time) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if qci != 1 {
		return nil
	}
	callIDs := c.byIMSI[imsi]
	if len(callIDs) == 0 {
		return nil
	}
	callID := callIDs[len(callIDs)-1]
	call := c.calls[callID]
	if call == nil {
		return nil
	}
	if call.Bearer == nil {
		call.Bearer = &BearerLeg{}
		call.bearerRequestTime = at
	}
	call.Bearer.EBI = ebi
	call.Bearer.QCI = qci
	if uplinkTEID != 0 {
		call.Bearer.UplinkTEID = uplinkTEID
		c.byTEID[uplinkTEID] = callID
	}
	if downlinkTEID != 0 {
		call.Bearer.DownlinkTEID = downlinkTEID
		c.byTEID[downlinkTEID] = callID
	}
	call.Bearer.GBRUplink = gbrUL
	call.Bearer.GBRDownlink = gbrDL
	if isRequest {
		call.bearerRequestTime = at
	} else {
		call.bearerResponseTime = at
	}
	call.LastUpdated = at
	c.recomputeMetrics(call)
	return call
}

// UpdateRTP folds one RTP packet into the call's media leg, matched by the
// caller via UE IP + SDP-negotiated port (resolved outside this function;
// callID is passed in already resolved).
func (c *Correlator) UpdateRTP(callID string, fromUE bool, ssrc uint32, seq uint16, packetBytes int, at time.Time, localAddr, remoteAddr string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return nil
	}
	firstPacket := call.RTP == nil
	if firstPacket {
		call.RTP = &RTPLeg{SSRC: ssrc, LocalAddr: localAddr, RemoteAddr: remoteAddr, FirstRTP: at}
		c.transition(call, StateMediaActive, "")
	}
	call.RTP.LastRTP = at

	dir := &call.RTP.Downlink
	if fromUE {
		dir = &call.RTP.Uplink
	}
	updateDirectionStats(dir, seq, packetBytes, at)
	call.RTP.MOS = estimateMOS(call.RTP)

	call.LastUpdated = at
	c.recomputeMetrics(call)
	return call
}

func updateDirectionStats(d *DirectionStats, seq uint16, packetBytes int, at time.Time) {
	d.Packets++
	d.Bytes += uint64(packetBytes)

	if d.haveLastSeq {
		diff := int32(seq) - int32(d.lastSeq)
		if diff > 1 {
			d.Loss += uint64(diff - 1)
		}
		if !d.lastArrival.IsZero() {
			transit := at.Sub(d.lastArrival).Seconds()
			dTransit := transit - d.lastTransitTime
			if dTransit < 0 {
				dTransit = -dTransit
			}
			d.Jitter += (dTransit - d.Jitter) / 16
			d.lastTransitTime = transit
		}
	}
	d.lastSeq = seq
	d.haveLastSeq = true
	d.lastArrival = at
}

// estimateMOS is a fixed formula mapping loss ratio and jitter to a rough
// R-factor-derived MOS in [1,5].
func estimateMOS(rtp *RTPLeg) float64 {
	totalPackets := rtp.Uplink.Packets + rtp.Downlink.Packets
	if totalPackets == 0 {
		return 0
	}
	totalLoss := rtp.Uplink.Loss + rtp.Downlink.Loss
	lossRatio := float64(totalLoss) / float64(totalPackets+totalLoss)
	avgJitterMs := (rtp.Uplink.Jitter + rtp.Downlink.Jitter) * 1000 / 2

	r := 93.2 - (lossRatio * 100 * 2.5) - (avgJitterMs * 0.1)
	if r < 0 {
		r = 0
	}
	mos := 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
	if mos < 1 {
		mos = 1
	}
	if mos > 4.5 {
		mos = 4.5
	}
	return math.Round(mos*100) / 100
}

func (c *Correlator) recomputeMetrics(call *Call) {
	m := &call.Metrics
	if call.SIP != nil {
		s := call.SIP
		if !s.AnswerTime.IsZero() && !s.InviteTime.IsZero() {
			m.SetupTime = s.AnswerTime.Sub(s.InviteTime)
		}
		if !s.RingingTime.IsZero() && !s.InviteTime.IsZero() {
			m.PostDialDelay = s.RingingTime.Sub(s.InviteTime)
		}
		if !s.AnswerTime.IsZero() && !s.RingingTime.IsZero() {
			m.AnswerDelay = s.AnswerTime.Sub(s.RingingTime)
		}
		if !s.ByeTime.IsZero() && !s.InviteTime.IsZero() {
			m.TotalCallDuration = s.ByeTime.Sub(s.InviteTime)
		}
	}
	if !call.bearerResponseTime.IsZero() && !call.bearerRequestTime.IsZero() {
		m.BearerSetupTime = call.bearerResponseTime.Sub(call.bearerRequestTime)
	}
	if call.Rx != nil && !call.Rx.AAATime.IsZero() && !call.Rx.AARTime.IsZero() {
		m.RxAuthorizationTime = call.Rx.AAATime.Sub(call.Rx.AARTime)
	}
	if call.RTP != nil && !call.RTP.LastRTP.IsZero() && !call.RTP.FirstRTP.IsZero() {
		m.MediaDuration = call.RTP.LastRTP.Sub(call.RTP.FirstRTP)
	}
}

// Get returns the call for a Call-ID, if any.
func (c *Correlator) Get(callID string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	return call, ok
}

// GetByICID resolves a call via its ICID secondary index.
func (c *Correlator) GetByICID(icid string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byICID[icid]
	if !ok {
		return nil, false
	}
	call, ok := c.calls[id]
	return call, ok
}

// Calls returns every tracked call (for export accessors).
func (c *Correlator) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call)
	}
	return out
}

// CleanupCompleted removes every call in a terminal state older than
// retention and returns the count removed.
func (c *Correlator) CleanupCompleted(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	removed := 0
	for id, call := range c.calls {
		if isTerminal(call.State) && call.LastUpdated.Before(cutoff) {
			delete(c.calls, id)
			removed++
		}
	}
	return removed
}
