// Package export implements the "[EXPANSION — 4.L Export Accessors]"
// component: the read-only, JSON-serialisable snapshot contract §6
// describes for the excluded rendering/export layer ("enumerate
// sessions, dialogs, transactions, calls, and subscriber contexts; emit
// each as a structured record suitable for JSON serialisation"). It never
// mutates core state — every method here takes correlators/stores by
// pointer and only calls their existing read accessors (Sessions/Calls/
// Contexts/Get), matching the teacher's DataProvider interface in
// pkg/web/server.go, generalised from its protocol-agnostic KPI/session
// maps to this repo's typed correlator snapshots.
package export

import (
	"time"

	"github.com/telecorr/engine/pkg/correlate/diameter"
	"github.com/telecorr/engine/pkg/correlate/gtpv2"
	"github.com/telecorr/engine/pkg/correlate/sip"
	"github.com/telecorr/engine/pkg/subscriber"
	"github.com/telecorr/engine/pkg/volte"
)

// Engine aggregates read-only references to every correlator the CLI wires
// up, and is the single object the HTTP/websocket server in this package
// depends on.
type Engine struct {
	SIP        *sip.Correlator
	GTPv2      *gtpv2.Correlator
	Diameter   *diameter.Correlator
	Subscriber *subscriber.Store
	Volte      *volte.Correlator
}

// Snapshot is the top-level structured record the ladder-diagram derivation
// and JSON emitters consume (§6: "The ladder-diagram derivation consumes
// the VolteCall record only" — the other slices exist for the general
// export API).
type Snapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	SIPSessions []*sip.Session       `json:"sip_sessions"`
	GTPSessions []*gtpv2.Session     `json:"gtp_sessions"`
	DiaSessions []*diameter.Session  `json:"diameter_sessions"`
	Calls       []*volte.Call        `json:"volte_calls"`
	Contexts    []*subscriber.Context `json:"subscriber_contexts"`
}

// Snapshot enumerates every live session/call/context across the wired
// correlators. Callers needing just one kind should prefer the narrower
// methods below to avoid copying the whole world.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now(),
		SIPSessions: e.SIP.Sessions(),
		GTPSessions: e.GTPv2.Sessions(),
		DiaSessions: e.Diameter.Sessions(),
		Calls:       e.Volte.Calls(),
		Contexts:    e.Subscriber.Contexts(),
	}
}

// VolteCall looks up a single call by SIP Call-ID, the ladder-diagram
// derivation's sole input.
func (e *Engine) VolteCall(callID string) (*volte.Call, bool) {
	return e.Volte.Get(callID)
}

// SIPSession looks up one SIP session by Call-ID, exposing its dialogs and
// transactions (§3: "every SIP dialog's messages are a subset of its
// enclosing session's messages").
func (e *Engine) SIPSession(callID string) (*sip.Session, bool) {
	return e.SIP.Get(callID)
}

// SubscriberByIdentifier tries every indexed identifier kind in turn,
// matching the export API's "look this subscriber up however you know
// them" use case.
func (e *Engine) SubscriberByIdentifier(value string) (*subscriber.Context, bool) {
	if ctx, ok := e.Subscriber.FindByIMSI(value); ok {
		return ctx, true
	}
	if ctx, ok := e.Subscriber.FindBySUPI(value); ok {
		return ctx, true
	}
	if ctx, ok := e.Subscriber.FindByMSISDN(value); ok {
		return ctx, true
	}
	if ctx, ok := e.Subscriber.FindByUEIP(value); ok {
		return ctx, true
	}
	if ctx, ok := e.Subscriber.FindByCallID(value); ok {
		return ctx, true
	}
	if ctx, ok := e.Subscriber.FindByICID(value); ok {
		return ctx, true
	}
	return nil, false
}

// Stats summarises how many sessions, calls and subscriber contexts each
// correlator currently holds, for the export API's health surface. It
// carries no decode or correlation error counters.
type Stats struct {
	SIPSessions      int `json:"sip_sessions"`
	GTPSessions      int `json:"gtp_sessions"`
	DiameterSessions int `json:"diameter_sessions"`
	VolteCalls       int `json:"volte_calls"`
	SubscriberCount  int `json:"subscriber_count"`
}

// Stats returns coarse counts, cheap enough to compute on every health poll.
func (e *Engine) Stats() Stats {
	return Stats{
		SIPSessions:      len(e.SIP.Sessions()),
		GTPSessions:      len(e.GTPv2.Sessions()),
		DiameterSessions: len(e.Diameter.Sessions()),
		VolteCalls:       len(e.Volte.Calls()),
		SubscriberCount:  e.Subscriber.Size(),
	}
}
