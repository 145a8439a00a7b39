// Package fields implements the Field Registry & Filter (component E): a
// process-wide, dotted-key extractor registry over decoded messages, plus a
// rule-based accept/drop filter built on top of it.
package fields

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/telecorr/engine/pkg/proto"
)

// Kind tags the runtime type a Value holds.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// Value is a typed extraction result; exactly one field is meaningful,
// selected by Kind.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Flt  float64
	Bool bool
}

func stringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func intValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }

// Extractor reads one named field off a decoded message. Extractors never
// panic: a message whose Protocol doesn't carry the field returns the
// type-appropriate zero value (§4.E cross-protocol safety).
type Extractor func(msg *proto.Message) Value

// Registry is the process-wide dotted-key → extractor map. Construct once at
// init and share by read-only reference through the pipeline.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry builds a registry pre-populated with the standard field set
// across all supported protocols.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	r.registerCommon()
	r.registerSIP()
	r.registerDiameter()
	r.registerGTPv2()
	return r
}

// Register installs or overrides the extractor for a dotted key.
func (r *Registry) Register(key string, ex Extractor) {
	r.extractors[key] = ex
}

// Get runs the named extractor against msg. Unknown keys return a zero
// string value rather than an error, matching the "never raises" contract.
func (r *Registry) Get(key string, msg *proto.Message) Value {
	ex, ok := r.extractors[key]
	if !ok {
		return stringValue("")
	}
	return ex(msg)
}

func (r *Registry) registerCommon() {
	r.Register("protocol", func(m *proto.Message) Value { return stringValue(string(m.Protocol)) })
	r.Register("message_type", func(m *proto.Message) Value { return stringValue(m.MessageType) })
	r.Register("message_name", func(m *proto.Message) Value { return stringValue(m.MessageName) })
	r.Register("imsi", func(m *proto.Message) Value { return stringValue(m.IMSI) })
	r.Register("msisdn", func(m *proto.Message) Value { return stringValue(m.MSISDN) })
	r.Register("apn", func(m *proto.Message) Value { return stringValue(m.APN) })
	r.Register("cause_code", func(m *proto.Message) Value { return intValue(int64(m.CauseCode)) })
	r.Register("frame_number", func(m *proto.Message) Value { return intValue(int64(m.FrameNumber)) })
}

func (r *Registry) registerSIP() {
	r.Register("sip.call_id", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolSIP {
			return stringValue("")
		}
		return stringValue(m.CallID)
	})
	r.Register("sip.icid", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolSIP {
			return stringValue("")
		}
		return stringValue(m.ICID)
	})
	r.Register("sip.cseq_method", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolSIP {
			return stringValue("")
		}
		return stringValue(detailString(m, "cseq_method"))
	})
}

func (r *Registry) registerDiameter() {
	r.Register("diameter.session_id", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolDiameter {
			return stringValue("")
		}
		return stringValue(m.SessionID)
	})
	r.Register("diameter.result_code", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolDiameter {
			return intValue(0)
		}
		return intValue(int64(m.CauseCode))
	})
	r.Register("diameter.interface", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolDiameter {
			return stringValue("")
		}
		return stringValue(detailString(m, "interface"))
	})
}

func (r *Registry) registerGTPv2() {
	r.Register("gtpv2.imsi", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolGTPv2C {
			return stringValue("")
		}
		return stringValue(m.IMSI)
	})
	r.Register("gtpv2.teid", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolGTPv2C {
			return intValue(0)
		}
		return intValue(int64(m.TEID))
	})
	r.Register("gtpv2.cause", func(m *proto.Message) Value {
		if m.Protocol != proto.ProtocolGTPv2C {
			return intValue(0)
		}
		return intValue(int64(m.CauseCode))
	})
}

func detailString(m *proto.Message, key string) string {
	v, ok := m.Details[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// Operator is one of the six comparison operators a filter rule supports.
type Operator string

const (
	OpEq Operator = "=="
	OpNe Operator = "!="
	OpGt Operator = ">"
	OpLt Operator = "<"
	OpGe Operator = ">="
	OpLe Operator = "<="
)

// Rule is one parsed "field OP literal" filter clause.
type Rule struct {
	Field    string
	Op       Operator
	Literal  Value
}

// ParseRule parses a single rule line of the form "field OP literal".
// Literal type is inferred: integer → decimal, float → decimal with a point,
// bool → true|false, otherwise string (optionally quoted).
func ParseRule(line string) (Rule, error) {
	ops := []Operator{OpEq, OpNe, OpGe, OpLe, OpGt, OpLt}
	for _, op := range ops {
		idx := strings.Index(line, string(op))
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(line[:idx])
		literal := strings.TrimSpace(line[idx+len(op):])
		if field == "" || literal == "" {
			continue
		}
		return Rule{Field: field, Op: op, Literal: inferLiteral(literal)}, nil
	}
	return Rule{}, fmt.Errorf("fields: malformed rule %q", line)
}

func inferLiteral(s string) Value {
	if s == "true" {
		return Value{Kind: KindBool, Bool: true}
	}
	if s == "false" {
		return Value{Kind: KindBool, Bool: false}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return intValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Value{Kind: KindFloat, Flt: f}
	}
	unquoted := strings.Trim(s, `"`)
	return stringValue(unquoted)
}

// Filter evaluates a list of rules against a message; evaluate(msg) = true
// iff at least one rule matches. The consumer decides whether a match means
// drop or keep.
type Filter struct {
	rules    []Rule
	registry *Registry
}

// NewFilter builds a filter bound to a registry and a parsed rule set.
func NewFilter(registry *Registry, rules []Rule) *Filter {
	return &Filter{rules: rules, registry: registry}
}

// LoadRules parses one rule per non-empty, non-comment line.
func LoadRules(text string) ([]Rule, error) {
	var rules []Rule
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := ParseRule(line)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Evaluate reports whether msg matches any configured rule.
func (f *Filter) Evaluate(msg *proto.Message) bool {
	for _, rule := range f.rules {
		got := f.registry.Get(rule.Field, msg)
		if compare(got, rule.Op, rule.Literal) {
			return true
		}
	}
	return false
}

func compare(got Value, op Operator, want Value) bool {
	switch op {
	case OpEq:
		return equal(got, want)
	case OpNe:
		return !equal(got, want)
	}
	a, aok := asFloat(got)
	b, bok := asFloat(want)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	case OpGe:
		return a >= b
	case OpLe:
		return a <= b
	}
	return false
}

func equal(a, b Value) bool {
	if a.Kind == KindString || b.Kind == KindString {
		return a.Str == b.Str || a.Str == stringFromAny(b) || stringFromAny(a) == stringFromAny(b)
	}
	af, _ := asFloat(a)
	bf, _ := asFloat(b)
	return af == bf
}

func stringFromAny(v Value) string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Flt, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

func asFloat(v Value) (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Flt, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
