package fields

import (
	"testing"

	"github.com/telecorr/engine/pkg/proto"
)

func TestExtractorCrossProtocolSafety(t *testing.T) {
	r := NewRegistry()
	msg := proto.NewMessage(proto.ProtocolSIP, proto.Metadata{})
	v := r.Get("gtpv2.teid", msg)
	if v.Kind != KindInt || v.Int != 0 {
		t.Fatalf("expected zero int for mismatched protocol, got %+v", v)
	}
}

func TestParseRuleInfersTypes(t *testing.T) {
	r, err := ParseRule("cause_code >= 400")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if r.Op != OpGe || r.Literal.Kind != KindInt || r.Literal.Int != 400 {
		t.Fatalf("got %+v", r)
	}
}

func TestFilterEvaluateMatchesAnyRule(t *testing.T) {
	r := NewRegistry()
	rules, err := LoadRules("cause_code == 500\nprotocol == \"SIP\"")
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	filter := NewFilter(r, rules)

	msg := proto.NewMessage(proto.ProtocolSIP, proto.Metadata{})
	if !filter.Evaluate(msg) {
		t.Fatal("expected protocol rule to match")
	}

	msg2 := proto.NewMessage(proto.ProtocolGTPv2C, proto.Metadata{})
	if filter.Evaluate(msg2) {
		t.Fatal("did not expect a match")
	}
}
